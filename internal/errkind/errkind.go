// Package errkind defines the stable error taxonomy shared by the tool
// server, the warehouse layer, and the uploader.
//
// Every error that crosses a component boundary is wrapped in (or is) an
// *Error carrying one of the kinds below. Handlers map kinds to HTTP
// status codes and a JSON body {error_kind, message, retriable}; internal
// callers branch on Kind via errors.As / KindOf.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error class.
type Kind string

const (
	// InvalidArgument: parameter validation failed. Non-retriable.
	InvalidArgument Kind = "InvalidArgument"
	// Overloaded: queue at capacity or pool exhausted. Retry with backoff.
	Overloaded Kind = "Overloaded"
	// Timeout: a deadline elapsed. Retriable subject to idempotency.
	Timeout Kind = "Timeout"
	// Unavailable: all identities open-circuit or the warehouse is
	// unreachable. Retry with backoff.
	Unavailable Kind = "Unavailable"
	// NotFound: lookup returned nothing at all tiers. Not necessarily an
	// error for callers.
	NotFound Kind = "NotFound"
	// Internal: unexpected failure. Logged and reported.
	Internal Kind = "Internal"
)

// Error pairs a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
// A nil cause returns nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors without a Kind report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retriable reports whether a caller may usefully retry the operation.
func Retriable(err error) bool {
	switch KindOf(err) {
	case Overloaded, Timeout, Unavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the HTTP status the tool server returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Overloaded:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
