package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 5 * time.Minute
	// DefaultRetries is the default number of fetch attempts
	DefaultRetries = 3
	// DefaultBackoff is the delay before the second attempt; it doubles after that
	DefaultBackoff = time.Second
	// DefaultMaxArtifactSize bounds a single download (512 MiB)
	DefaultMaxArtifactSize int64 = 512 << 20
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "keg/1.0"
)

// FetchConfig configures a Fetcher. Zero values take the defaults above.
type FetchConfig struct {
	Client      *http.Client
	Timeout     time.Duration
	Retries     int // total attempts, including the first
	BackoffBase time.Duration
	MaxSize     int64
	UserAgent   string
}

// Fetcher downloads artifacts over HTTP(S) with bounded retries.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	retries     int
	backoffBase time.Duration
	maxSize     int64
}

// NewFetcher creates a new fetcher
func NewFetcher(cfg FetchConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// GitHub release assets redirect to a CDN; allow a few hops
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}

	f := &Fetcher{
		client:      client,
		userAgent:   cfg.UserAgent,
		retries:     cfg.Retries,
		backoffBase: cfg.BackoffBase,
		maxSize:     cfg.MaxSize,
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.retries <= 0 {
		f.retries = DefaultRetries
	}
	if f.backoffBase <= 0 {
		f.backoffBase = DefaultBackoff
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxArtifactSize
	}
	return f
}

// MaxSize returns the artifact size cap in bytes.
func (f *Fetcher) MaxSize() int64 {
	return f.maxSize
}

// Fetch downloads url to destDir/fileName.
//
// The body is streamed to destDir/fileName.part and renamed into place only
// once complete; the partial file is removed on every failure. Timeouts,
// connection errors and 5xx responses are retried with exponential backoff;
// other failures return immediately. All errors are *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url, destDir, fileName string) (*FetchedArtifact, error) {
	destPath := filepath.Join(destDir, fileName)

	var lastErr *FetchError
	for attempt := 1; attempt <= f.retries; attempt++ {
		if attempt > 1 {
			// Exponential backoff: base, 2*base, 4*base, ...
			backoff := f.backoffBase << uint(attempt-2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, canceled(url, attempt-1, ctx.Err())
			}
		}

		if ctx.Err() != nil {
			return nil, canceled(url, attempt-1, ctx.Err())
		}

		artifact, err := f.fetchOnce(ctx, url, destPath)
		if err == nil {
			return artifact, nil
		}

		err.Attempts = attempt
		lastErr = err
		if !err.Retryable() || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// fetchOnce performs a single download attempt
func (f *Fetcher) fetchOnce(ctx context.Context, url, destPath string) (*FetchedArtifact, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchNotFound, URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, url, err)
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); !ok {
		return nil, &FetchError{Kind: kind, URL: url, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > f.maxSize {
		return nil, &FetchError{
			Kind:       FetchTooLarge,
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("content length %d exceeds limit %d", resp.ContentLength, f.maxSize),
		}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, &FetchError{Kind: FetchIOError, URL: url, Err: fmt.Errorf("create dest dir: %w", err)}
	}

	tmpPath := destPath + ".part"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &FetchError{Kind: FetchIOError, URL: url, Err: fmt.Errorf("create temp file: %w", err)}
	}

	cleanupNeeded := true
	defer func() {
		tmpFile.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	// Read one byte past the limit so an oversized body is detected without
	// relying on Content-Length, which servers may omit or misreport.
	n, err := io.Copy(tmpFile, io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, classifyTransportError(ctx, url, fmt.Errorf("read body: %w", err))
	}
	if n > f.maxSize {
		return nil, &FetchError{
			Kind:       FetchTooLarge,
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body exceeds limit %d", f.maxSize),
		}
	}

	if err := tmpFile.Close(); err != nil {
		return nil, &FetchError{Kind: FetchIOError, URL: url, Err: fmt.Errorf("close temp file: %w", err)}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, &FetchError{Kind: FetchIOError, URL: url, Err: fmt.Errorf("rename temp file: %w", err)}
	}
	cleanupNeeded = false

	return &FetchedArtifact{Path: destPath, Size: n, URL: url}, nil
}

// classifyStatus maps an HTTP status to an error kind. ok is true for 200.
func classifyStatus(code int) (FetchErrorKind, bool) {
	switch {
	case code == http.StatusOK:
		return 0, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusProxyAuthRequired:
		return FetchForbidden, false
	case code == http.StatusRequestTimeout:
		return FetchTimeout, false
	case code == http.StatusTooManyRequests:
		return FetchNetworkUnavailable, false
	case code >= 400 && code < 500:
		return FetchNotFound, false
	default:
		// 5xx, and anything else a server should not have sent us
		return FetchNetworkUnavailable, false
	}
}

// classifyTransportError maps client and body-read errors. A canceled
// caller context wins over whatever the transport reported.
func classifyTransportError(ctx context.Context, url string, err error) *FetchError {
	if ctx.Err() != nil {
		return canceled(url, 0, ctx.Err())
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTimeout, URL: url, Err: err}
	}
	return &FetchError{Kind: FetchNetworkUnavailable, URL: url, Err: err}
}

func canceled(url string, attempts int, err error) *FetchError {
	kind := FetchCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = FetchTimeout
	}
	// Attempts is filled in by the retry loop where known
	return &FetchError{Kind: kind, URL: url, Attempts: attempts, Err: err}
}
