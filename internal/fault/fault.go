// Package fault defines the stable error kinds the gateway surfaces and the
// outcome value used to carry them across component boundaries. Transient
// backend and cache failures are recovered locally; only these kinds ever
// reach a client.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a surface-stable error code.
type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindBudgetExceeded  Kind = "BUDGET_EXCEEDED"
	KindOverloaded      Kind = "OVERLOADED"
	KindBackendTimeout  Kind = "BACKEND_TIMEOUT"
	KindBackendError    Kind = "BACKEND_ERROR"
	KindNoBackend       Kind = "NO_BACKEND"
	KindCacheDegraded   Kind = "CACHE_DEGRADED"
	KindCancelled       Kind = "CANCELLED"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// Error is an error value with a stable kind and free-form detail.
// Detail is for logs; clients receive the kind plus a safe message.
type Error struct {
	Kind   Kind
	Detail string
	// RetryAfterSeconds is set for RATE_LIMITED.
	RetryAfterSeconds int
	wrapped           error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two fault errors by kind so errors.Is(err, fault.New(kind))
// works without comparing details.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Kind == fe.Kind
	}
	return false
}

// New creates a fault error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a fault error with a formatted detail.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), wrapped: err}
}

// KindOf extracts the kind from an error chain, defaulting to INTERNAL_ERROR.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// HTTPStatus maps an error kind to the status code the API layer writes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindBackendTimeout, KindBackendError, KindNoBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// SafeMessage returns the client-facing message for a kind. Full detail stays
// in logs keyed by correlation id.
func SafeMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "malformed request"
	case KindRateLimited:
		return "rate limit exceeded"
	case KindBudgetExceeded:
		return "monthly budget exhausted"
	case KindOverloaded:
		return "service is overloaded, retry with backoff"
	case KindBackendTimeout, KindBackendError, KindNoBackend:
		return "model backend unavailable"
	default:
		return "internal error"
	}
}
