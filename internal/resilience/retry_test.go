package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestRetryExhaustsTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return MarkTransient(errors.New("connection refused"))
	})

	assert.Equal(t, 3, calls)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, exhausted.Error(), "connection refused")
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid document format")
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)

	var exhausted *RetryExhaustedError
	assert.False(t, errors.As(err, &exhausted), "non-retriable failures must not report exhaustion")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return MarkTransient(errors.New("temporarily unavailable"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2.0}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, policy, func(ctx context.Context) error {
			return MarkTransient(errors.New("down"))
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after context cancellation")
	}
}

func TestBackoffDelayGrowsAndClamps(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Multiplier:  2.0,
	}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(policy, 2))
	assert.Equal(t, 300*time.Millisecond, backoffDelay(policy, 3))
	assert.Equal(t, 300*time.Millisecond, backoffDelay(policy, 4))
}

func TestBackoffJitterStaysWithinTenPercent(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  1.0,
		Jitter:      true,
	}
	for i := 0; i < 100; i++ {
		d := backoffDelay(policy, 1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestIsRetriableClassification(t *testing.T) {
	assert.True(t, IsRetriable(MarkTransient(errors.New("boom"))))
	assert.True(t, IsRetriable(context.DeadlineExceeded))
	assert.False(t, IsRetriable(errors.New("schema validation failed")))
	assert.False(t, IsRetriable(nil))
}
