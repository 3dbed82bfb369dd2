// Package errs is meridian's domain-wide error taxonomy. Every component
// returns errors of this shape so HTTP façades can map them deterministically
// to status codes and the audit trail can record a consistent "kind" field —
// errors as typed values, not exceptions.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the eleven domain-wide error kinds.
type Kind string

const (
	InvalidArgument  Kind = "InvalidArgument"
	NotFound         Kind = "NotFound"
	AlreadyExists    Kind = "AlreadyExists"
	PermissionDenied Kind = "PermissionDenied"
	Unauthenticated  Kind = "Unauthenticated"
	CapacityExceeded Kind = "CapacityExceeded"
	Conflict         Kind = "Conflict"
	Timeout          Kind = "Timeout"
	Unavailable      Kind = "Unavailable"
	Internal         Kind = "Internal"
	Cancelled        Kind = "Cancelled"
)

// httpStatus maps every Kind to its deterministic HTTP status.
var httpStatus = map[Kind]int{
	InvalidArgument:  http.StatusBadRequest,
	NotFound:         http.StatusNotFound,
	AlreadyExists:    http.StatusConflict,
	PermissionDenied: http.StatusForbidden,
	Unauthenticated:  http.StatusUnauthorized,
	CapacityExceeded: http.StatusServiceUnavailable,
	Conflict:         http.StatusConflict,
	Timeout:          http.StatusGatewayTimeout,
	Unavailable:      http.StatusServiceUnavailable,
	Internal:         http.StatusInternalServerError,
	Cancelled:        499, // client closed request, non-standard but conventional
}

// Error is a typed, kind-tagged error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal for
// untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus returns the HTTP status code for a Kind.
func HTTPStatus(kind Kind) int {
	if s, ok := httpStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
