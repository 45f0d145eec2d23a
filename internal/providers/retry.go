package providers

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls retry behaviour for provider HTTP calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries transient failures three times with jittered
// exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// retryable marks errors worth retrying (429, 5xx, connection resets).
type retryable interface{ Retryable() bool }

// httpStatusError carries an HTTP status for retry decisions.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string { return e.body }
func (e *httpStatusError) Retryable() bool {
	return e.status == 429 || e.status >= 500
}

// RetryDo runs fn with retries on retryable errors. Context cancellation
// aborts immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 5))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if r, ok := err.(retryable); !ok || !r.Retryable() {
			return zero, err
		}
	}
	return zero, lastErr
}
