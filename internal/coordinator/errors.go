// Package coordinator holds the error taxonomy shared by every Upload
// Coordinator component, so a chunk write failure keeps one stable "kind"
// from the Blob Store up through the HTTP layer regardless of which
// component raised it.
package coordinator

import (
	"errors"
	"fmt"
)

// Kind is a stable error category, independent of the underlying Go error type.
type Kind string

const (
	KindBadRequest     Kind = "BadRequest"
	KindNotFound       Kind = "NotFound"
	KindRateLimited    Kind = "RateLimited"
	KindOverloaded     Kind = "Overloaded"
	KindExhausted      Kind = "Exhausted"
	KindTimeout        Kind = "Timeout"
	KindIOFailure      Kind = "IOFailure"
	KindCancelled      Kind = "Cancelled"
	KindConflict       Kind = "Conflict"
	KindPayloadTooLarge Kind = "PayloadTooLarge"
)

// Error is the single error type every component returns for expected,
// categorized failures. Unexpected errors should still be wrapped with
// Wrap(KindIOFailure, ...) rather than passed through bare.
type Error struct {
	Kind    Kind
	Message string
	Err     error
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

// New builds a categorized error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a categorized error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a categorized error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err is, or wraps, a coordinator *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
