// Package apperr defines the tagged failure taxonomy shared by all components.
//
// Component operations return these errors instead of unstructured ones; the
// HTTP layer is the sole translator from error kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation Kind = "validation"  // input fails a declared schema
	KindNotFound   Kind = "not_found"   // entity id unknown
	KindConflict   Kind = "conflict"    // unique constraint violated
	KindWrongState Kind = "wrong_state" // operation not valid from current state
	KindLimit      Kind = "limit"       // concurrency or budget cap reached
	KindDependency Kind = "dependency"  // external collaborator unavailable
	KindInternal   Kind = "internal"    // unexpected fault
)

// Error is a tagged failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause, never exposed to clients
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a tagged error with an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation failure.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found failure.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict failure.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// WrongState creates a wrong-state failure.
func WrongState(format string, args ...any) *Error {
	return New(KindWrongState, format, args...)
}

// Limit creates a limit-reached failure.
func Limit(format string, args ...any) *Error {
	return New(KindLimit, format, args...)
}

// Dependency creates a dependency-unavailable failure.
func Dependency(format string, args ...any) *Error {
	return New(KindDependency, format, args...)
}

// Internal wraps an unexpected fault.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf extracts the kind of an error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
