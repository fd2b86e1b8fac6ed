package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		Retry:            RetryPolicy{MaxAttempts: 1},
	}
}

func failingCall(ctx context.Context) error { return errors.New("service exploded") }
func okCall(ctx context.Context) error      { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("ocr", testBreakerPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Call(ctx, failingCall)
		require.Error(t, err)
		assert.False(t, IsCircuitOpen(err), "real failures must not look like rejections")
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := NewBreaker("ocr", testBreakerPolicy())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Call(ctx, failingCall)
	}

	called := false
	err := b.Call(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, called, "open breaker must not invoke the operation")
}

func TestBreakerSuccessInClosedResetsFailureCount(t *testing.T) {
	b := NewBreaker("ocr", testBreakerPolicy())
	ctx := context.Background()

	b.Call(ctx, failingCall)
	b.Call(ctx, failingCall)
	require.NoError(t, b.Call(ctx, okCall))

	// Two more failures should not reach the threshold of three.
	b.Call(ctx, failingCall)
	b.Call(ctx, failingCall)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker("ocr", testBreakerPolicy())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Call(ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, b.Call(ctx, okCall))
	assert.Equal(t, StateHalfOpen, b.State(), "one success is not enough to close")
	require.NoError(t, b.Call(ctx, okCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("ocr", testBreakerPolicy())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Call(ctx, failingCall)
	}
	time.Sleep(60 * time.Millisecond)

	err := b.Call(ctx, failingCall)
	require.Error(t, err)
	assert.False(t, IsCircuitOpen(err), "probe failures are service errors")
	assert.Equal(t, StateOpen, b.State())

	err = b.Call(ctx, okCall)
	assert.True(t, IsCircuitOpen(err), "reopened breaker rejects before a new recovery window")
}

func TestBreakerForceOpenOverridesRecovery(t *testing.T) {
	b := NewBreaker("layout", testBreakerPolicy())
	ctx := context.Background()

	b.ForceOpen("gpu maintenance")
	time.Sleep(60 * time.Millisecond)

	err := b.Call(ctx, okCall)
	assert.True(t, IsCircuitOpen(err), "forced-open breaker never recovers on its own")

	st := b.Status()
	assert.True(t, st.ForcedOpen)
	assert.Equal(t, "gpu maintenance", st.ForcedReason)

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(ctx, okCall))
}

func TestBreakerCountsRetriedCallAsOneOutcome(t *testing.T) {
	policy := testBreakerPolicy()
	policy.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2.0}
	b := NewBreaker("quality", policy)

	calls := 0
	err := b.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return MarkTransient(errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "retry sub-attempts run inside the breaker call")
	assert.Equal(t, StateClosed, b.State(), "three sub-attempts count as one breaker failure")
	assert.Equal(t, uint64(1), b.Status().TotalFailures)
}

func TestManagerLazyConstructionAndStatus(t *testing.T) {
	m := NewManager(map[string]BreakerPolicy{
		"ocr": {FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1, Retry: RetryPolicy{MaxAttempts: 1}},
	})
	ctx := context.Background()

	require.Error(t, m.Call(ctx, "ocr", failingCall))
	assert.True(t, IsCircuitOpen(m.Call(ctx, "ocr", okCall)), "configured threshold of one trips immediately")

	require.NoError(t, m.Call(ctx, "unconfigured", okCall))

	statuses := m.AllStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "open", statuses["ocr"].State)
	assert.Equal(t, "closed", statuses["unconfigured"].State)
}

func TestManagerResetStatsKeepsState(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	m.Call(ctx, "embedding", func(ctx context.Context) error { return errors.New("boom") })

	m.ResetStats("embedding")
	st := m.Get("embedding").Status()
	assert.Equal(t, uint64(0), st.TotalCalls)
	assert.Equal(t, uint64(0), st.TotalFailures)
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures, "consecutive counters survive a stats reset")
}
