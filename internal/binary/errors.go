package binary

import (
	"fmt"
)

// FetchErrorKind classifies download failures.
type FetchErrorKind int

const (
	// FetchNotFound is any 4xx other than the auth codes. Not retried.
	FetchNotFound FetchErrorKind = iota + 1
	// FetchForbidden is 401, 403 or 407. Not retried.
	FetchForbidden
	// FetchTimeout is a request or read timeout (or 408). Retried.
	FetchTimeout
	// FetchTooLarge means the artifact exceeds the configured size cap. Not retried.
	FetchTooLarge
	// FetchNetworkUnavailable covers connection errors, 5xx and 429. Retried.
	FetchNetworkUnavailable
	// FetchCanceled means the caller's context was canceled. Not retried.
	FetchCanceled
	// FetchIOError is a local staging failure (mkdir, create, rename). Not retried.
	FetchIOError
)

// String returns the string representation of the kind
func (k FetchErrorKind) String() string {
	switch k {
	case FetchNotFound:
		return "NotFound"
	case FetchForbidden:
		return "Forbidden"
	case FetchTimeout:
		return "Timeout"
	case FetchTooLarge:
		return "TooLarge"
	case FetchNetworkUnavailable:
		return "NetworkUnavailable"
	case FetchCanceled:
		return "Canceled"
	case FetchIOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// FetchError is returned by Fetcher.Fetch.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int // HTTP status, 0 if no response was received
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTimeout || e.Kind == FetchNetworkUnavailable
}

// VerificationError means the artifact is not the one the formula declared.
// It is a security-relevant failure and is never silently dropped.
type VerificationError struct {
	Expected  string
	Actual    string
	Path      string
	Signature bool  // true when the OpenPGP signature check failed rather than the digest
	Err       error // signature failure detail
}

func (e *VerificationError) Error() string {
	if e.Signature {
		return fmt.Sprintf("signature verification failed for %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("digest mismatch for %s:\nexpected: %s\nactual:   %s", e.Path, e.Expected, e.Actual)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// InstallErrorKind classifies extraction and placement failures.
type InstallErrorKind int

const (
	// InstallBinaryNotFound means the archive does not contain the declared executable.
	InstallBinaryNotFound InstallErrorKind = iota + 1
	// InstallPermissionDenied means the target or staging dir is not writable.
	InstallPermissionDenied
	// InstallPathTraversal means an archive entry would land outside the extraction root.
	InstallPathTraversal
	// InstallDiskFull means there is not enough space, or the archive expands past its bound.
	InstallDiskFull
	// InstallIOError is any other local filesystem or archive format failure.
	InstallIOError
)

// String returns the string representation of the kind
func (k InstallErrorKind) String() string {
	switch k {
	case InstallBinaryNotFound:
		return "BinaryNotFound"
	case InstallPermissionDenied:
		return "PermissionDenied"
	case InstallPathTraversal:
		return "PathTraversalAttempt"
	case InstallDiskFull:
		return "DiskFull"
	case InstallIOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// InstallError is returned by Installer.Install. None of its kinds are retried.
type InstallError struct {
	Kind  InstallErrorKind
	Path  string // file or directory involved
	Entry string // archive entry name, for traversal and lookup failures
	Err   error
}

func (e *InstallError) Error() string {
	msg := "install: " + e.Kind.String()
	if e.Entry != "" {
		msg += fmt.Sprintf(" (entry %q)", e.Entry)
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
