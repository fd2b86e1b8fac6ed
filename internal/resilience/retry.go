package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for the retry executor.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultRetryPolicy returns the policy used for external service calls
// unless a breaker overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Retry runs op under the policy. Non-retriable errors propagate after the
// first failing attempt. When all attempts fail the returned error is a
// *RetryExhaustedError wrapping the last one. The backoff sleep suspends
// only the calling goroutine and honours ctx cancellation.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetriable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &RetryExhaustedError{Attempts: policy.MaxAttempts, LastErr: lastErr}
}

// backoffDelay computes min(MaxDelay, BaseDelay * Multiplier^(attempt-1)),
// optionally jittered by ±10%.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	d := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && d > max {
		d = max
	}
	if policy.Jitter {
		d *= 1 + (rand.Float64()*2-1)*0.1
	}
	return time.Duration(d)
}
