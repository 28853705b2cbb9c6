package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"classified error", New(KindMalformedRecord, "missing cve id"), KindMalformedRecord},
		{"wrapped classified error", fmt.Errorf("merge: %w", Wrap(KindStoreUnavailable, "pool", errors.New("refused"))), KindStoreUnavailable},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindCancelled},
		{"wrapped context canceled", fmt.Errorf("fetch: %w", context.Canceled), KindCancelled},
		{"plain error", errors.New("boom"), Kind("")},
		{"nil", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient upstream", New(KindTransientUpstream, "nvd 503"), true},
		{"rate limited", RateLimitedAfter("nvd", 30*time.Second), true},
		{"store unavailable", New(KindStoreUnavailable, "pool exhausted"), true},
		{"malformed record", New(KindMalformedRecord, "bad json"), false},
		{"invariant violation", New(KindInvariantViolation, "cve id changed"), false},
		{"cancelled", New(KindCancelled, "soft timeout"), false},
		{"config", New(KindNonRetryableConfig, "no database url"), false},
		{"unknown job", New(KindUnknownJob, "fetch-osv"), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("run: %w", New(KindUnknownJob, "fetch-osv"))
	assert.True(t, errors.Is(err, New(KindUnknownJob, "")))
	assert.False(t, errors.Is(err, New(KindCancelled, "")))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(KindStoreUnavailable, "upsert", inner)
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRateLimitedAfter(t *testing.T) {
	err := RateLimitedAfter("nvd", 42*time.Second)
	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, 42*time.Second, err.RetryAfter)

	var classified *Error
	assert.True(t, errors.As(fmt.Errorf("fetch: %w", err), &classified))
	assert.Equal(t, 42*time.Second, classified.RetryAfter)
}
