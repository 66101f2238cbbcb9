package main

import (
	"errors"

	"github.com/ZebulonRouseFrantzich/keg/internal/binary"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// withStatus wraps err so the process exits with the code for status.
func withStatus(status binary.Status, err error) error {
	return &exitError{code: status.ExitCode(), err: err}
}

// invalidInput wraps err as bad command-line or formula input.
func invalidInput(err error) error {
	return withStatus(binary.StatusInvalidManifest, err)
}

// exitCode maps a command error to the process exit code. Errors that carry
// no status (flag parsing, unknown commands) count as invalid input.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return binary.StatusInvalidManifest.ExitCode()
}
