// Package retry provides the shared retry policy used by every external
// model adapter: bounded attempts, exponential backoff, and a predicate that
// decides which errors are worth another attempt.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how a call is retried. The zero value retries nothing.
type Policy struct {
	MaxAttempts int
	// Backoff returns the delay before the given attempt (1-based). Nil
	// means no delay.
	Backoff func(attempt int) time.Duration
	// Retryable reports whether the error justifies another attempt. Nil
	// means every error is retryable.
	Retryable func(err error) bool
}

// ExponentialBackoff returns a backoff function starting at base and doubling
// per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << (attempt - 1)
		if d > max || d < base {
			return max
		}
		return d
	}
}

// Do invokes fn until it succeeds, the policy is exhausted, or the context is
// done. The returned error is the last attempt's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if p.Backoff != nil {
			select {
			case <-time.After(p.Backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
