// Package apperr defines the typed error values shared by every service in
// the control plane. Each error carries a Kind that maps onto an HTTP status
// and a retryability class, plus a stable machine-readable Code surfaced to
// API clients.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind int

const (
	// KindInternal is a programming or dependency error with no better home.
	KindInternal Kind = iota
	// KindValidation is a malformed request.
	KindValidation
	// KindNotFound means the addressed entity does not exist.
	KindNotFound
	// KindConflict means a state guard refused the transition.
	KindConflict
	// KindUnauthenticated means credentials are missing or invalid.
	KindUnauthenticated
	// KindForbidden means the caller's role does not permit the operation.
	KindForbidden
	// KindBusy means a contention cap was exceeded; the caller may retry.
	KindBusy
	// KindUnavailable means a dependency (store, media server) is unreachable.
	KindUnavailable
	// KindProFeature is the community-edition refusal.
	KindProFeature
	// KindCancelled means the operation was cancelled by its context.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindBusy:
		return "BUSY"
	case KindUnavailable:
		return "DEPENDENCY_UNAVAILABLE"
	case KindProFeature:
		return "PRO_FEATURE"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// Error is the taxonomy-carrying error type. Code is a stable identifier for
// API clients (e.g. "ROOM_NOT_FOUND"); Message is human-readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches taxonomy metadata to an underlying cause.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Common constructors. Code defaults to the kind name when callers have no
// more specific identifier.

func Validation(code, message string) *Error      { return New(KindValidation, code, message) }
func NotFound(code, message string) *Error        { return New(KindNotFound, code, message) }
func Conflict(code, message string) *Error        { return New(KindConflict, code, message) }
func Unauthenticated(code, message string) *Error { return New(KindUnauthenticated, code, message) }
func Forbidden(code, message string) *Error       { return New(KindForbidden, code, message) }
func Busy(code, message string) *Error            { return New(KindBusy, code, message) }
func ProFeature(code, message string) *Error      { return New(KindProFeature, code, message) }

// Unavailable wraps a dependency failure.
func Unavailable(err error, message string) *Error {
	return Wrap(err, KindUnavailable, "DEPENDENCY_UNAVAILABLE", message)
}

// Internal wraps a programming error.
func Internal(err error, message string) *Error {
	return Wrap(err, KindInternal, "INTERNAL_ERROR", message)
}

// Cancelled wraps a context cancellation.
func Cancelled(err error) *Error {
	return Wrap(err, KindCancelled, "CANCELLED", "operation cancelled")
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
// Context cancellations are recognized even when not wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// CodeOf extracts the machine code from any error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "INTERNAL_ERROR"
}

// MessageOf extracts the human-readable message from any error. Errors
// outside the taxonomy get a generic message so internals never leak to
// API clients.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to its REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBusy:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindProFeature:
		return http.StatusPaymentRequired
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
