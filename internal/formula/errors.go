package formula

import "fmt"

// ParseError reports a malformed formula. It is never retried.
type ParseError struct {
	Source  string // file path or "<inline>"
	Field   string // offending field, empty for syntax errors
	Message string
	Err     error // underlying decoder error, if any
}

func (e *ParseError) Error() string {
	src := e.Source
	if src == "" {
		src = "<inline>"
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s %s", src, e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", src, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", src, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DuplicateError reports two formulas for the same name and version that
// declare different digests.
type DuplicateError struct {
	Name     string
	Version  string
	Existing *Manifest
	Incoming *Manifest
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate formula %s@%s with conflicting digests: %s (%s) vs %s (%s)",
		e.Name, e.Version,
		e.Existing.Digest, e.Existing.Source,
		e.Incoming.Digest, e.Incoming.Source)
}
