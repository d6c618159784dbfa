// Package errs defines the error taxonomy shared by the queue, the workers and the HTTP API.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping purposes.
type Kind int

const (
	KindInternal Kind = iota
	// KindCaller covers bad payloads, unauthenticated callers, locked and unknown resources.
	KindCaller
	KindRateLimited
	// KindTransient covers timeouts, upstream 5xx and network failures.
	KindTransient
	KindParse
	KindCache
	KindPersistence
	// KindTerminal marks an upstream failure that already exhausted its retries.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindParse:
		return "parse"
	case KindCache:
		return "cache"
	case KindPersistence:
		return "persistence"
	case KindTerminal:
		return "terminal"
	default:
		return "internal"
	}
}

// Error is the concrete error type carried through the pipeline.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
	// Fields holds per-field validation messages for invalid payloads.
	Fields map[string]string
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by code so wrapped instances compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Sentinels for caller-facing conditions. Use errors.Is against these.
var (
	ErrUnknownQueue        = &Error{Kind: KindCaller, Code: "unknown_queue", Message: "unknown queue"}
	ErrInvalidPayload      = &Error{Kind: KindCaller, Code: "invalid_payload", Message: "invalid payload"}
	ErrInvalidJobID        = &Error{Kind: KindCaller, Code: "invalid_job_id", Message: "Invalid jobId format"}
	ErrJobNotFound         = &Error{Kind: KindCaller, Code: "job_not_found", Message: "job not found"}
	ErrResourceNotFound    = &Error{Kind: KindCaller, Code: "resource_not_found", Message: "resource not found"}
	ErrNotUnlocked         = &Error{Kind: KindCaller, Code: "not_unlocked", Message: "resource is not unlocked for this user"}
	ErrMissingDependencies = &Error{Kind: KindCaller, Code: "missing_dependencies", Message: "resource dependencies are not satisfied"}
	ErrUnauthenticated     = &Error{Kind: KindCaller, Code: "unauthenticated", Message: "authentication required"}
	ErrBatchTooLarge       = &Error{Kind: KindCaller, Code: "batch_too_large", Message: "too many items in batch"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "rate limit exceeded"}
)

// Wrap derives a new error from a sentinel with a more specific message.
func Wrap(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Caller builds a caller error with an ad-hoc code.
func Caller(code, format string, args ...any) *Error {
	return &Error{Kind: KindCaller, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient marks err as safe to retry.
func Transient(err error, message string) *Error {
	return &Error{Kind: KindTransient, Code: "transient", Message: message, Err: err}
}

// Persistence marks a failed result write. Persistence errors are fatal to the job.
func Persistence(err error, message string) *Error {
	return &Error{Kind: KindPersistence, Code: "persistence", Message: message, Err: err}
}

// Exhausted wraps the last error of a retry loop that ran out of attempts.
func Exhausted(attempts int, last error) *Error {
	return &Error{
		Kind:    KindTerminal,
		Code:    "retries_exhausted",
		Message: fmt.Sprintf("giving up after %d attempts", attempts),
		Err:     last,
	}
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err may succeed on another attempt.
// Unclassified errors are retryable; caller, terminal and persistence errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTransient, KindInternal:
			return true
		default:
			return false
		}
	}
	// Deadlines, network errors and anything unclassified get another attempt.
	return true
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindCaller:
		switch e.Code {
		case ErrJobNotFound.Code, ErrResourceNotFound.Code:
			return http.StatusNotFound
		case ErrUnauthenticated.Code:
			return http.StatusUnauthorized
		case ErrNotUnlocked.Code:
			return http.StatusForbidden
		case ErrMissingDependencies.Code:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
