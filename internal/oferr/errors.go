// Package oferr defines the tagged error values used across the platform
// core. Every failure surfaced to a TPP or retried internally carries a
// Kind, a stable machine-readable code, and a human message. Handlers map
// kinds to HTTP status codes; internal diagnostic detail is logged and
// never returned to the caller.
package oferr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy and status mapping.
type Kind int

const (
	KindSecurity Kind = iota
	KindAuthorization
	KindValidation
	KindBusinessRule
	KindIdempotencyConflict
	KindConcurrency
	KindTransient
	KindNotFound
	KindUnavailable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSecurity:
		return "SECURITY"
	case KindAuthorization:
		return "AUTHORIZATION"
	case KindValidation:
		return "VALIDATION"
	case KindBusinessRule:
		return "BUSINESS_RULE"
	case KindIdempotencyConflict:
		return "IDEMPOTENCY_CONFLICT"
	case KindConcurrency:
		return "CONCURRENCY"
	case KindTransient:
		return "TRANSIENT"
	case KindNotFound:
		return "RESOURCE_NOT_FOUND"
	case KindUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus returns the wire-level status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindSecurity:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTransient:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a tagged platform error.
type Error struct {
	Kind    Kind
	Code    string // stable error code, e.g. "invalid_dpop_proof"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a tagged error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying cause.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: code, Cause: cause}
}

// KindOf extracts the kind from an error chain. Unknown errors are FATAL:
// an untagged error escaping a use-case boundary is an invariant violation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// CodeOf extracts the stable code, or "internal_error" for untagged errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the caller may retry: CONCURRENCY is retried
// by the owning handler, TRANSIENT by the caller.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindConcurrency || k == KindTransient
}
