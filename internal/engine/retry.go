package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// AttemptFunc performs one attempt of a step invocation. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) (any, error)

// RetryNotifier is told about each failed attempt that will be retried.
type RetryNotifier func(attempt int, err error, delay time.Duration)

// Waiter blocks for d or until ctx is done.
type Waiter func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds the attempts of a single step with linear backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Wait       Waiter

	configured bool
}

// NewRetryPolicy builds the policy for a step. A nil config means one attempt.
func NewRetryPolicy(cfg *schema.RetryConfig) RetryPolicy {
	p := RetryPolicy{Wait: WaitForBackoff}
	if cfg == nil {
		return p
	}
	p.configured = true
	p.MaxRetries = max(cfg.MaxRetries, 0)
	p.Backoff = time.Duration(max(cfg.BackoffMs, 0)) * time.Millisecond
	return p
}

// Attempts returns the maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// Delay returns the pause after failed attempt n (1-based): Backoff × n.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.Backoff * time.Duration(attempt)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or attempts run out.
// It returns the output, the number of attempts made, and the terminal error.
func (p RetryPolicy) Do(ctx context.Context, fn AttemptFunc, notify RetryNotifier) (any, int, *schema.Error) {
	wait := p.Wait
	if wait == nil {
		wait = WaitForBackoff
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		attempts = attempt
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, attempts, p.terminal(err, attempts, false)
		}
		if attempt == p.Attempts() {
			break
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}
		if werr := wait(ctx, delay); werr != nil {
			return nil, attempts, schema.NewErrorf(schema.ErrCodeCancelled,
				"cancelled during retry backoff after attempt %d", attempt).WithCause(err)
		}
	}
	return nil, attempts, p.terminal(lastErr, attempts, true)
}

// terminal converts the last attempt error into the error recorded on the step.
func (p RetryPolicy) terminal(err error, attempts int, exhausted bool) *schema.Error {
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	if exhausted && p.configured {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"giving up after %d attempts: %s", attempts, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"attempts": attempts})
	}
	if se, ok := schema.AsError(err); ok {
		if se.Code != schema.ErrCodeProvider {
			return se
		}
		return schema.NewError(schema.ErrCodeProvider, se.Message).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeProvider, err.Error()).WithCause(err)
}

// IsRetryableError classifies whether a failed attempt should be retried.
// Provider errors are retryable by default; typed errors decide for themselves.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Context cancelled is NOT retryable: the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if se, ok := schema.AsError(err); ok {
		return se.IsRetryable()
	}
	return true
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
