package resilience

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"vellum/internal/observability"
)

// Manager owns one breaker per named external service. It is constructed
// once at process start and injected wherever guarded calls are made, so
// tests can build isolated instances.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	policies map[string]BreakerPolicy
	fallback BreakerPolicy
}

// NewManager creates a manager with per-service policy overrides. Services
// not present in policies get the default policy on first use.
func NewManager(policies map[string]BreakerPolicy) *Manager {
	if policies == nil {
		policies = map[string]BreakerPolicy{}
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		policies: policies,
		fallback: DefaultBreakerPolicy(),
	}
}

// Get returns the breaker for service, creating it lazily.
func (m *Manager) Get(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[service]; ok {
		return b
	}
	policy, ok := m.policies[service]
	if !ok {
		policy = m.fallback
		log.Debugf("no breaker policy configured for %q, using defaults", service)
	}
	b := NewBreaker(service, policy)
	m.breakers[service] = b
	return b
}

// Call runs op guarded by the named service's breaker.
func (m *Manager) Call(ctx context.Context, service string, op func(ctx context.Context) error) error {
	b := m.Get(service)
	err := b.Call(ctx, op)
	observability.BreakerState.WithLabelValues(service).Set(float64(b.State()))
	return err
}

// AllStatus snapshots every known breaker, keyed by service name.
func (m *Manager) AllStatus() map[string]BreakerStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]BreakerStatus, len(names))
	for _, name := range names {
		out[name] = m.Get(name).Status()
	}
	return out
}

// ForceOpen forces the named breaker open with an operator-supplied reason.
func (m *Manager) ForceOpen(service, reason string) {
	log.Warnf("circuit breaker for %q forced open: %s", service, reason)
	m.Get(service).ForceOpen(reason)
	observability.BreakerState.WithLabelValues(service).Set(float64(StateOpen))
}

// ForceClose clears a manual override on the named breaker.
func (m *Manager) ForceClose(service string) {
	log.Infof("circuit breaker for %q forced closed", service)
	m.Get(service).ForceClose()
	observability.BreakerState.WithLabelValues(service).Set(float64(StateClosed))
}

// ResetStats zeroes the named breaker's lifetime counters.
func (m *Manager) ResetStats(service string) {
	m.Get(service).ResetStats()
}
