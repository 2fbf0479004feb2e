// Package errs defines the typed error taxonomy shared by the ingestion
// pipeline, the upstream clients, and the HTTP surface. Every public
// operation returns either success or one of these tagged errors; panics
// are reserved for invariant violations.
package errs

import (
	"errors"
	"fmt"
)

// Category groups error kinds by subsystem.
type Category string

const (
	CategoryHTTP       Category = "http"
	CategoryParse      Category = "parse"
	CategoryKillmail   Category = "killmail"
	CategoryCache      Category = "cache"
	CategoryValidation Category = "validation"
	CategoryUpstream   Category = "upstream"
)

// Kind identifies a specific failure mode within a category.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindConnectionFailed Kind = "connection_failed"
	KindRateLimited      Kind = "rate_limited"
	KindHTTPStatus       Kind = "http_status"

	KindInvalidFormat         Kind = "invalid_format"
	KindMissingRequiredFields Kind = "missing_required_fields"
	KindInvalidTime           Kind = "invalid_time"
	KindUnexpectedFormat      Kind = "unexpected_format"

	KindMissingSystemID Kind = "missing_system_id"
	KindMissingHash     Kind = "missing_hash"
	KindMissingKillTime Kind = "missing_kill_time"
	KindBuildFailed     Kind = "build_failed"

	KindNotFound     Kind = "not_found"
	KindBackendError Kind = "backend_error"

	KindInvalidID      Kind = "invalid_id"
	KindOutOfRange     Kind = "out_of_range"
	KindTooManyEntries Kind = "too_many_entries"

	KindESIError Kind = "esi_error"
	KindZKBError Kind = "zkb_error"
)

// Error is a tagged error carrying enough context for callers to decide
// between retrying, skipping, and surfacing.
type Error struct {
	Category  Category
	Kind      Kind
	Message   string
	Retryable bool
	Details   map[string]any
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// WithDetail attaches a key/value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrOlder is the sentinel returned when a killmail predates the ingestion
// cutoff. Callers treat it as a successful skip, not a failure.
var ErrOlder = errors.New("killmail older than cutoff")

func newError(cat Category, kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{
		Category:  cat,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// HTTP errors.

func Timeout(format string, args ...any) *Error {
	return newError(CategoryHTTP, KindTimeout, true, format, args...)
}

func ConnectionFailed(format string, args ...any) *Error {
	return newError(CategoryHTTP, KindConnectionFailed, true, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newError(CategoryHTTP, KindRateLimited, true, format, args...)
}

// HTTPStatus classifies a non-2xx response. 404 maps to not_found, 408/429
// and 5xx are retryable, remaining 4xx are fatal.
func HTTPStatus(code int) *Error {
	switch {
	case code == 404:
		return NotFound("http status 404").WithDetail("status", code)
	case code == 408 || code == 429 || code >= 500:
		return newError(CategoryHTTP, KindHTTPStatus, true, "http status %d", code).WithDetail("status", code)
	default:
		return newError(CategoryHTTP, KindHTTPStatus, false, "http status %d", code).WithDetail("status", code)
	}
}

// Parse errors.

func InvalidFormat(format string, args ...any) *Error {
	return newError(CategoryParse, KindInvalidFormat, false, format, args...)
}

func MissingRequiredFields(fields ...string) *Error {
	e := newError(CategoryParse, KindMissingRequiredFields, false, "missing required fields: %v", fields)
	return e.WithDetail("fields", fields)
}

func InvalidTime(format string, args ...any) *Error {
	return newError(CategoryParse, KindInvalidTime, false, format, args...)
}

func UnexpectedFormat(format string, args ...any) *Error {
	return newError(CategoryParse, KindUnexpectedFormat, false, format, args...)
}

// Killmail errors.

func MissingSystemID(format string, args ...any) *Error {
	return newError(CategoryKillmail, KindMissingSystemID, false, format, args...)
}

func MissingHash(format string, args ...any) *Error {
	return newError(CategoryKillmail, KindMissingHash, false, format, args...)
}

func MissingKillTime(format string, args ...any) *Error {
	return newError(CategoryKillmail, KindMissingKillTime, false, format, args...)
}

func BuildFailed(format string, args ...any) *Error {
	return newError(CategoryKillmail, KindBuildFailed, false, format, args...)
}

// Cache errors.

func NotFound(format string, args ...any) *Error {
	return newError(CategoryCache, KindNotFound, false, format, args...)
}

func BackendError(format string, args ...any) *Error {
	return newError(CategoryCache, KindBackendError, true, format, args...)
}

// Validation errors.

func InvalidID(format string, args ...any) *Error {
	return newError(CategoryValidation, KindInvalidID, false, format, args...)
}

func OutOfRange(format string, args ...any) *Error {
	return newError(CategoryValidation, KindOutOfRange, false, format, args...)
}

func TooManyEntries(format string, args ...any) *Error {
	return newError(CategoryValidation, KindTooManyEntries, false, format, args...)
}

// Upstream errors.

func ESIError(format string, args ...any) *Error {
	return newError(CategoryUpstream, KindESIError, true, format, args...)
}

func ZKBError(format string, args ...any) *Error {
	return newError(CategoryUpstream, KindZKBError, true, format, args...)
}

// IsRetryable reports whether err is a tagged error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}

// KindOf returns the kind of a tagged error, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
