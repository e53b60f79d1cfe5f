// Package cherr defines the error taxonomy shared by the frame transport,
// session state machine, CAS engine, and trace consensus (spec.md §7).
package cherr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from the error handling design.
type Kind string

const (
	Protocol     Kind = "protocol"
	Permission   Kind = "permission"
	InvalidInput Kind = "invalid_input"
	Timeout      Kind = "timeout"
	Closed       Kind = "closed"
	Capacity     Kind = "capacity"
	NotFound     Kind = "not_found"
)

// Error wraps an underlying cause with a Kind and, where the error crosses
// the wire, a reason code usable in an ack detail (reason=<code>).
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
		}
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error with the given kind and reason, wrapping cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// ReasonOf returns the wire reason code carried by err, if any.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// KindOf returns err's Kind and true if err (or something it wraps) is an
// *Error, false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
