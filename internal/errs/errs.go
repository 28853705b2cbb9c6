// Package errs defines the pipeline error taxonomy.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline error for retry and reporting decisions.
type Kind string

const (
	// KindTransientUpstream indicates a network failure or upstream 5xx.
	KindTransientUpstream Kind = "TRANSIENT_UPSTREAM"

	// KindRateLimited indicates an upstream 429.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindMalformedRecord indicates a record that does not match the
	// expected upstream schema. The record is dropped, not retried.
	KindMalformedRecord Kind = "MALFORMED_RECORD"

	// KindStoreUnavailable indicates a database connection or pool failure.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"

	// KindInvariantViolation indicates a logic bug or data corruption.
	KindInvariantViolation Kind = "INVARIANT_VIOLATION"

	// KindCancelled indicates cooperative cancellation.
	KindCancelled Kind = "CANCELLED"

	// KindNonRetryableConfig indicates missing or invalid configuration.
	KindNonRetryableConfig Kind = "NON_RETRYABLE_CONFIG"

	// KindUnknownJob indicates a trigger for a job name that is not registered.
	KindUnknownJob Kind = "UNKNOWN_JOB"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter carries an upstream Retry-After hint for rate limits.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind && (te.Msg == "" || te.Msg == e.Msg)
	}
	return false
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap wraps an underlying error with a classification.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// RateLimitedAfter creates a rate-limit error carrying a Retry-After hint.
func RateLimitedAfter(msg string, after time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Msg: msg, RetryAfter: after}
}

// KindOf returns the classification of err, or empty if unclassified.
// Context cancellation and deadline errors classify as Cancelled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return ""
}

// IsRetryable reports whether the worker pool should retry after err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientUpstream, KindRateLimited, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
