package binary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/cache"
	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/logging"
	"github.com/ZebulonRouseFrantzich/keg/internal/transaction"
)

// Config holds configuration for the orchestrator
type Config struct {
	// BinDir is where executables are installed (required)
	BinDir string
	// StagingDir is the parent of per-operation staging dirs (default: os.TempDir())
	StagingDir string
	// CacheDir enables the artifact cache when set
	CacheDir string
	// StateDir enables journals and cross-process target locks when set
	StateDir string
	// KeyringPath is the OpenPGP keyring for formulas that carry a signature URL
	KeyringPath string

	MaxArtifactSize int64
	Retries         int
	BackoffBase     time.Duration
	Timeout         time.Duration
	HTTPClient      *http.Client
	UserAgent       string

	// FreeSpace overrides the free disk space check (default: platform.FreeSpace)
	FreeSpace func(ctx context.Context, path string) (uint64, error)

	Logger logging.Logger
}

// Orchestrator runs install operations: fetch, verify, install. It is safe
// for concurrent use; installs to the same target path are serialized.
type Orchestrator struct {
	binDir      string
	stagingDir  string
	stateDir    string
	keyringPath string

	fetcher   *Fetcher
	verifier  *Verifier
	installer *Installer
	cache     *cache.Cache
	locks     *pathLocks
	logger    logging.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.BinDir) == "" {
		return nil, fmt.Errorf("BinDir is required")
	}

	o := &Orchestrator{
		binDir:      cfg.BinDir,
		stagingDir:  cfg.StagingDir,
		stateDir:    cfg.StateDir,
		keyringPath: cfg.KeyringPath,
		locks:       newPathLocks(),
		logger:      cfg.Logger,
	}
	if o.stagingDir == "" {
		o.stagingDir = os.TempDir()
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}

	o.fetcher = NewFetcher(FetchConfig{
		Client:      cfg.HTTPClient,
		Timeout:     cfg.Timeout,
		Retries:     cfg.Retries,
		BackoffBase: cfg.BackoffBase,
		MaxSize:     cfg.MaxArtifactSize,
		UserAgent:   cfg.UserAgent,
	})
	o.verifier = NewVerifier()
	o.installer = NewInstaller(InstallConfig{
		MaxExtractSize: o.fetcher.MaxSize() * extractRatio,
		FreeSpace:      cfg.FreeSpace,
	})

	if cfg.CacheDir != "" {
		c, err := cache.New(cfg.CacheDir, 0)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		o.cache = c
	}

	return o, nil
}

// Cache returns the artifact cache, or nil when caching is disabled.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Verifier returns the orchestrator's verifier.
func (o *Orchestrator) Verifier() *Verifier {
	return o.verifier
}

// operation is the per-call state of one Install.
type operation struct {
	o      *Orchestrator
	m      *formula.Manifest
	result *InstallResult
	state  State
	txn    *transaction.InstallTxn
}

// advance moves the state machine forward and records it in the journal.
func (op *operation) advance(to State) {
	if !canTransition(op.state, to) {
		op.o.logger.Error("invalid state transition", "formula", op.m.ID(), "from", op.state, "to", to)
		return
	}
	op.state = to
	op.o.logger.Debug("stage", "formula", op.m.ID(), "state", to)
	if op.txn != nil {
		if err := op.txn.Advance(transaction.JournalDir(op.o.stateDir), string(to), nil); err != nil {
			op.o.logger.Warn("failed to update journal", "formula", op.m.ID(), "error", err)
		}
	}
}

// fail ends the operation in StateFailed and fills in the result.
func (op *operation) fail(err error) *InstallResult {
	op.result.Stage = op.state
	op.result.Status = statusFor(op.state, err)
	op.result.Err = err
	if op.txn != nil {
		if jerr := op.txn.Advance(transaction.JournalDir(op.o.stateDir), string(StateFailed), err); jerr != nil {
			op.o.logger.Warn("failed to update journal", "formula", op.m.ID(), "error", jerr)
		}
	}
	op.state = StateFailed
	return op.result
}

// Install fetches, verifies and installs the executable m describes into
// the bin dir. It never panics on bad input and never leaves a partially
// written executable at the target path: the previous file (if any) is
// replaced atomically, or left untouched on failure.
func (o *Orchestrator) Install(ctx context.Context, m *formula.Manifest) *InstallResult {
	start := time.Now()
	result := &InstallResult{Manifest: m, Stage: StatePending}
	defer func() { result.Duration = time.Since(start) }()

	if m == nil {
		result.Status = StatusInvalidManifest
		result.Err = &formula.ParseError{Field: "manifest", Message: "is nil"}
		return result
	}

	op := &operation{o: o, m: m, result: result, state: StatePending}

	// Nothing touches the network or disk for an invalid manifest
	if err := m.Validate(); err != nil {
		return op.fail(err)
	}

	logger := o.logger
	target := filepath.Join(o.binDir, m.BinaryName)
	logger.Info("installing", "formula", m.ID(), "target", target)

	if o.stateDir != "" {
		op.txn = transaction.NewInstall(m.ID(), target)
		result.TxnID = op.txn.ID
		defer func() {
			if err := op.txn.Remove(transaction.JournalDir(o.stateDir)); err != nil {
				logger.Warn("failed to remove journal", "formula", m.ID(), "error", err)
			}
		}()
	}

	if err := os.MkdirAll(o.stagingDir, 0755); err != nil {
		return op.fail(classifyFSError(o.stagingDir, fmt.Errorf("create staging root: %w", err)))
	}
	staging, err := os.MkdirTemp(o.stagingDir, "keg-"+m.Name+"-"+m.Version+"-*")
	if err != nil {
		return op.fail(classifyFSError(o.stagingDir, fmt.Errorf("create staging dir: %w", err)))
	}
	defer os.RemoveAll(staging)
	if op.txn != nil {
		op.txn.StagingDir = staging
	}

	// Fetching
	op.advance(StateFetching)
	artifact, fromCache, err := o.obtain(ctx, m, staging)
	if err != nil {
		return op.fail(err)
	}
	result.Attempts = 1

	// Verifying
	op.advance(StateVerifying)
	err = o.verifier.Verify(ctx, artifact, m.Digest)
	var mismatch *VerificationError
	if errors.As(err, &mismatch) {
		logger.Warn("digest mismatch, refetching once",
			"formula", m.ID(), "expected", mismatch.Expected, "actual", mismatch.Actual, "from_cache", fromCache)
		if fromCache {
			if err := o.cache.Evict(cacheKey(m)); err != nil {
				logger.Warn("failed to evict cache entry", "formula", m.ID(), "error", err)
			}
		}
		os.Remove(artifact)

		artifact, err = o.fetch(ctx, m, staging)
		if err != nil {
			return op.fail(err)
		}
		fromCache = false
		result.Attempts = 2

		err = o.verifier.Verify(ctx, artifact, m.Digest)
		if errors.As(err, &mismatch) {
			logger.Error("digest mismatch: artifact does not match formula",
				"formula", m.ID(), "url", m.DownloadURL, "expected", mismatch.Expected, "actual", mismatch.Actual)
		}
	}
	if err != nil {
		return op.fail(err)
	}
	result.FromCache = fromCache

	if m.SignatureURL != "" {
		if err := o.verifySignature(ctx, m, artifact, staging); err != nil {
			return op.fail(err)
		}
	}

	if o.cache != nil && !fromCache {
		if _, err := o.cache.Put(cacheKey(m), artifact); err != nil {
			logger.Warn("failed to cache artifact", "formula", m.ID(), "error", err)
		}
	}

	// Installing
	op.advance(StateInstalling)
	unlock, err := o.lockTarget(ctx, target)
	if err != nil {
		return op.fail(err)
	}
	defer unlock()

	// The staged file must still be the verified one when it is committed
	if err := o.verifier.Verify(ctx, artifact, m.Digest); err != nil {
		return op.fail(err)
	}

	tempName := ""
	if op.txn != nil {
		tempName = transaction.TempFileName(m.BinaryName, op.txn.ID)
	}
	installed, err := o.installer.install(ctx, artifact, m.BinaryName, o.binDir, tempName)
	if err != nil {
		return op.fail(err)
	}

	op.advance(StateDone)
	result.Status = StatusSuccess
	result.Stage = StateDone
	result.InstalledPath = installed
	logger.Info("installed", "formula", m.ID(), "path", installed, "from_cache", fromCache, "attempts", result.Attempts)
	return result
}

// obtain places the archive in staging, from the cache when it has the
// entry and from the network otherwise.
func (o *Orchestrator) obtain(ctx context.Context, m *formula.Manifest, staging string) (string, bool, error) {
	if o.cache != nil {
		dest := filepath.Join(staging, m.ArchiveFileName())
		if _, ok := o.cache.Lookup(cacheKey(m)); ok {
			err := o.cache.CopyTo(cacheKey(m), dest)
			if err == nil {
				o.logger.Debug("using cached artifact", "formula", m.ID())
				return dest, true, nil
			}
			o.logger.Debug("cache copy failed, fetching", "formula", m.ID(), "error", err)
		}
	}

	path, err := o.fetch(ctx, m, staging)
	return path, false, err
}

func (o *Orchestrator) fetch(ctx context.Context, m *formula.Manifest, staging string) (string, error) {
	artifact, err := o.fetcher.Fetch(ctx, m.DownloadURL, staging, m.ArchiveFileName())
	if err != nil {
		return "", err
	}
	o.logger.Debug("fetched", "formula", m.ID(), "bytes", artifact.Size)
	return artifact.Path, nil
}

// verifySignature checks the formula's detached signature when a keyring
// is configured, and skips it with a warning otherwise.
func (o *Orchestrator) verifySignature(ctx context.Context, m *formula.Manifest, artifact, staging string) error {
	if o.keyringPath == "" {
		o.logger.Warn("formula has a signature but no keyring is configured, skipping", "formula", m.ID())
		return nil
	}

	sig, err := o.fetcher.Fetch(ctx, m.SignatureURL, staging, m.ArchiveFileName()+".sig")
	if err != nil {
		return err
	}
	if err := o.verifier.VerifySignature(artifact, sig.Path, o.keyringPath); err != nil {
		o.logger.Error("signature verification failed", "formula", m.ID(), "error", err)
		return err
	}
	o.logger.Debug("signature verified", "formula", m.ID())
	return nil
}

// lockTarget serializes installs to target within the process and, with a
// state dir, across processes.
func (o *Orchestrator) lockTarget(ctx context.Context, target string) (func(), error) {
	release, err := o.locks.lock(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", target, err)
	}
	if o.stateDir == "" {
		return release, nil
	}

	fileLock, err := transaction.AcquireLockWait(ctx, transaction.LockDir(o.stateDir), transaction.LockName(target))
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		if err := fileLock.Release(); err != nil {
			o.logger.Warn("failed to release lock", "target", target, "error", err)
		}
		release()
	}, nil
}

func cacheKey(m *formula.Manifest) cache.Key {
	return cache.Key{
		Name:    m.Name,
		Version: m.Version,
		Digest:  strings.ToLower(m.Digest),
		File:    m.ArchiveFileName(),
	}
}
