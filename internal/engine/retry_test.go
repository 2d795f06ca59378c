package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordWaits returns a Waiter that records requested delays without sleeping.
func recordWaits(delays *[]time.Duration) Waiter {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableError_PlainError_DefaultRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
}

func TestIsRetryableError_TypedErrors(t *testing.T) {
	nonRetryable := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeProviderNotFound,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeNonRetryable,
		schema.ErrCodeCancelled,
	}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be non-retryable", code)
	}
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeProvider, "x")))
}

func TestRetryPolicy_NoConfig(t *testing.T) {
	p := NewRetryPolicy(nil)
	assert.Equal(t, 1, p.Attempts())

	calls := 0
	_, attempts, err := p.Do(context.Background(), func(context.Context, int) (any, error) {
		calls++
		return nil, errors.New("boom")
	}, nil)

	require.NotNil(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, schema.ErrCodeProvider, err.Code)
	assert.Contains(t, err.Message, "boom")
}

func TestRetryPolicy_Delay_Linear(t *testing.T) {
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 3, BackoffMs: 100})
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

func TestRetryPolicy_SucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 2, BackoffMs: 100})
	p.Wait = recordWaits(&delays)

	var notified []int
	out, attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) (any, error) {
		if attempt < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})

	assert.Nil(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	var delays []time.Duration
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 2, BackoffMs: 10})
	p.Wait = recordWaits(&delays)

	calls := 0
	_, attempts, err := p.Do(context.Background(), func(context.Context, int) (any, error) {
		calls++
		return nil, errors.New("still down")
	}, nil)

	require.NotNil(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, schema.ErrCodeRetryExhausted, err.Code)
	assert.Equal(t, 3, err.Details["attempts"])
	assert.EqualError(t, errors.Unwrap(err), "still down")
	// No wait after the last attempt.
	assert.Len(t, delays, 2)
}

func TestRetryPolicy_NonRetryableStopsEarly(t *testing.T) {
	var delays []time.Duration
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 5, BackoffMs: 10})
	p.Wait = recordWaits(&delays)

	calls := 0
	_, attempts, err := p.Do(context.Background(), func(context.Context, int) (any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeProviderNotFound, "no provider named git")
	}, nil)

	require.NotNil(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, schema.ErrCodeProviderNotFound, err.Code)
	assert.Empty(t, delays)
}

func TestRetryPolicy_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 3, BackoffMs: 10})
	p.Wait = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, attempts, err := p.Do(ctx, func(context.Context, int) (any, error) {
		return nil, errors.New("fail")
	}, nil)

	require.NotNil(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, schema.ErrCodeCancelled, err.Code)
}

func TestRetryPolicy_ZeroRetriesConfigured(t *testing.T) {
	p := NewRetryPolicy(&schema.RetryConfig{MaxRetries: 0, BackoffMs: 50})
	_, attempts, err := p.Do(context.Background(), func(context.Context, int) (any, error) {
		return nil, errors.New("fail")
	}, nil)

	require.NotNil(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, schema.ErrCodeRetryExhausted, err.Code)
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := WaitForBackoff(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForBackoff_Elapses(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
