package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state for one named service.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerPolicy configures one breaker. Retry sub-attempts run inside a
// single breaker outcome: a call counts as one success or one failure no
// matter how many retries it took.
type BreakerPolicy struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	CallTimeout      time.Duration
	Retry            RetryPolicy
}

// DefaultBreakerPolicy is applied to service names with no explicit
// configuration.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      120 * time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

// BreakerStatus is a point-in-time snapshot for the admin surface.
type BreakerStatus struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	TotalCalls           uint64     `json:"total_calls"`
	TotalFailures        uint64     `json:"total_failures"`
	LastError            string     `json:"last_error,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
	ForcedOpen           bool       `json:"forced_open"`
	ForcedReason         string     `json:"forced_reason,omitempty"`
}

// Breaker guards calls to one external service. All state transitions happen
// under the breaker's own mutex; the lock is never held across the guarded
// call itself.
type Breaker struct {
	name   string
	policy BreakerPolicy

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	openedAt             time.Time
	lastError            string
	forcedOpen           bool
	forcedReason         string
	totalCalls           uint64
	totalFailures        uint64
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(name string, policy BreakerPolicy) *Breaker {
	if policy.FailureThreshold < 1 {
		policy.FailureThreshold = 1
	}
	if policy.SuccessThreshold < 1 {
		policy.SuccessThreshold = 1
	}
	return &Breaker{name: name, policy: policy, state: StateClosed}
}

// Call runs op guarded by the breaker, with the policy's per-call timeout
// and retry sub-attempts. An open breaker rejects with *CircuitOpenError
// without invoking op.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if b.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.policy.CallTimeout)
		defer cancel()
	}

	err := Retry(ctx, b.policy.Retry, op)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether the next call may proceed, moving OPEN to HALF_OPEN
// once the recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.forcedOpen {
		return &CircuitOpenError{Service: b.name}
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.policy.RecoveryTimeout {
			b.state = StateHalfOpen
			b.consecutiveSuccesses = 0
			return nil
		}
		return &CircuitOpenError{Service: b.name}
	default:
		return &CircuitOpenError{Service: b.name}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.policy.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now
	b.lastError = err.Error()
	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.policy.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.consecutiveFailures = 0
		}
	case StateHalfOpen:
		// A single failure while probing reopens the circuit.
		b.state = StateOpen
		b.openedAt = now
		b.consecutiveSuccesses = 0
	}
}

// State returns the current state, honouring the manual override.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedOpen {
		return StateOpen
	}
	return b.state
}

// ForceOpen forces the breaker open until ForceClose clears it. Operator
// intervention for services known to be bad.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = true
	b.forcedReason = reason
	b.state = StateOpen
	b.openedAt = time.Now()
}

// ForceClose clears a manual override and returns the breaker to normal
// closed evaluation.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = false
	b.forcedReason = ""
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

// ResetStats zeroes the lifetime observability counters. State and
// consecutive counters are untouched.
func (b *Breaker) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls = 0
	b.totalFailures = 0
	b.lastError = ""
}

// Status snapshots the breaker for the admin surface.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BreakerStatus{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		LastError:            b.lastError,
		ForcedOpen:           b.forcedOpen,
		ForcedReason:         b.forcedReason,
	}
	if b.forcedOpen {
		st.State = StateOpen.String()
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailureAt = &t
	}
	if b.state == StateOpen && !b.forcedOpen {
		next := b.lastFailure.Add(b.policy.RecoveryTimeout)
		st.NextAttemptAt = &next
	}
	return st
}
