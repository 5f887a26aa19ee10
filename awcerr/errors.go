// Package awcerr defines the error taxonomy shared by every component of the
// autonomous work core. Gates never raise: they return structured results.
// Everything else returns a *Error so that callers can switch on Kind without
// string-matching.
package awcerr

import (
	"fmt"
	"time"
)

// Kind is the closed set of error categories the core distinguishes.
type Kind string

const (
	// Validation: input rejected by schema or business rule.
	Validation Kind = "validation"
	// NotFound: referenced entity does not exist.
	NotFound Kind = "not_found"
	// Conflict: optimistic-lock failure or state-machine precondition failure.
	Conflict Kind = "conflict"
	// Busy: resource cap hit (concurrent-agent cap, port-in-use).
	Busy Kind = "busy"
	// Timeout: deadline elapsed.
	Timeout Kind = "timeout"
	// External: a subprocess or external command failed.
	External Kind = "external"
	// Internal: an invariant the core guarantees was violated.
	Internal Kind = "internal"
)

// Error is the concrete error type returned by core components.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// CurrentUpdatedAt is set only for Conflict errors raised by an
	// optimistic-lock mismatch on a card update.
	CurrentUpdatedAt *time.Time
	// Output carries captured subprocess output for External errors.
	Output string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NewConflict builds a Conflict error carrying the row's current timestamp.
func NewConflict(msg string, currentUpdatedAt time.Time) *Error {
	return &Error{Kind: Conflict, Msg: msg, CurrentUpdatedAt: &currentUpdatedAt}
}

// NewExternal builds an External error carrying captured subprocess output.
func NewExternal(msg string, output string, err error) *Error {
	return &Error{Kind: External, Msg: msg, Err: err, Output: output}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	if !ok {
		return false
	}
	return ae.Kind == kind
}

// HTTPStatus maps a Kind to its HTTP status code at the wire boundary. Only
// Validation/NotFound/Conflict get a dedicated code; Busy, Timeout, External,
// and Internal all surface as 500 (clients distinguish them, if at all, via
// the error body's message).
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	default:
		return 500
	}
}
