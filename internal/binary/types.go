package binary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
)

// State is a step of one install operation.
//
//	Pending -> Fetching -> Verifying -> Installing -> Done
//
// Any state may move to Failed. Done and Failed are terminal.
type State string

const (
	StatePending    State = "pending"
	StateFetching   State = "fetching"
	StateVerifying  State = "verifying"
	StateInstalling State = "installing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// next lists the forward transition allowed out of each non-terminal state.
var next = map[State]State{
	StatePending:    StateFetching,
	StateFetching:   StateVerifying,
	StateVerifying:  StateInstalling,
	StateInstalling: StateDone,
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	return next[from] == to
}

// Status is the outcome of an install operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusFetchFailed
	StatusVerificationFailed
	StatusInstallFailed
	StatusInvalidManifest
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFetchFailed:
		return "FetchFailed"
	case StatusVerificationFailed:
		return "VerificationFailed"
	case StatusInstallFailed:
		return "InstallFailed"
	case StatusInvalidManifest:
		return "InvalidManifest"
	default:
		return "Unknown"
	}
}

// ExitCode maps a status to the CLI exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusFetchFailed:
		return 1
	case StatusVerificationFailed:
		return 2
	case StatusInstallFailed:
		return 3
	default:
		return 4
	}
}

// InstallResult is the outcome of Orchestrator.Install.
type InstallResult struct {
	Status        Status
	InstalledPath string // set only on success
	Manifest      *formula.Manifest
	Err           error // set only on failure
	Stage         State // state the operation failed in; StateDone on success
	FromCache     bool
	Attempts      int // fetch rounds: 2 when a digest mismatch forced a refetch
	Duration      time.Duration
	TxnID         string // journal ID, empty when journaling is disabled
}

// OK reports whether the install succeeded.
func (r *InstallResult) OK() bool {
	return r.Status == StatusSuccess
}

// Error renders the failure for humans: formula id, failing stage and cause.
// Digest mismatches include both digests.
func (r *InstallResult) Error() string {
	if r.OK() {
		return ""
	}
	id := "<nil manifest>"
	if r.Manifest != nil {
		id = r.Manifest.ID()
	}
	return fmt.Sprintf("%s: %s failed (%s): %v", id, r.Stage, r.Status, r.Err)
}

// statusFor derives the status from the error type, falling back to the
// state the failure happened in. Cancellation is never a verification
// failure.
func statusFor(state State, err error) Status {
	var (
		perr *formula.ParseError
		ferr *FetchError
		verr *VerificationError
		ierr *InstallError
	)
	switch {
	case errors.As(err, &perr):
		return StatusInvalidManifest
	case errors.As(err, &verr):
		return StatusVerificationFailed
	case errors.As(err, &ferr):
		return StatusFetchFailed
	case errors.As(err, &ierr):
		return StatusInstallFailed
	}

	// An interrupted hash pass says nothing about the artifact
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		switch state {
		case StateFetching, StateVerifying:
			return StatusFetchFailed
		case StateInstalling:
			return StatusInstallFailed
		}
	}

	switch state {
	case StatePending:
		return StatusInvalidManifest
	case StateFetching:
		return StatusFetchFailed
	case StateVerifying:
		return StatusVerificationFailed
	default:
		return StatusInstallFailed
	}
}

// FetchedArtifact is a completely downloaded file in the staging area.
type FetchedArtifact struct {
	Path string
	Size int64
	URL  string
}
