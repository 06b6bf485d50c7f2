// Package kerr defines the categorized error kinds surfaced across the RPC
// transport, per the daemon's error handling design: every operation fails
// with one of a small set of kinds so a client can branch on it without
// string matching.
package kerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error for callers that need to branch on failure mode
// rather than match message text.
type Kind string

const (
	NotFound         Kind = "notFound"
	Exists           Kind = "exists"
	InvalidArgument  Kind = "invalidArgument"
	InvalidState     Kind = "invalidState"
	Unsupported      Kind = "unsupported"
	InternalError    Kind = "internalError"
	Cancelled        Kind = "cancelled"
	Timeout          Kind = "timeout"
)

// Error is a categorized, optionally-wrapped error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, kerr.NotFound) style matching work by comparing kinds
// via a sentinel wrapper; callers are expected to use kerr.Of(err) == Kind
// or errors.As for the common case.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Existsf(format string, args ...any) *Error {
	return New(Exists, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func InvalidStatef(format string, args ...any) *Error {
	return New(InvalidState, fmt.Sprintf(format, args...))
}

// Of extracts the Kind of err, or InternalError if err is not a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return InternalError
}
