package admission

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 1 * time.Minute
	healthUnhealthyPeriod  = 5 * time.Second
)

// HealthState describes the health of a backing store.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a circuit breaker over the stores the controller calls.
// While a store is unhealthy the controller skips it and applies the class
// failure mode directly.
type HealthTracker struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	stores map[string]*storeHealth
}

type storeHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewHealthTracker creates a new HealthTracker. A nil clock means the real clock.
func NewHealthTracker(clk clock.PassiveClock) *HealthTracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HealthTracker{
		clock:  clk,
		stores: make(map[string]*storeHealth),
	}
}

// GetHealth returns the current health state for a store.
func (h *HealthTracker) GetHealth(store string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.stores[store]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → let probes through.
	if sh.state == HealthUnhealthy && h.clock.Since(sh.unhealthyAt) >= healthUnhealthyPeriod {
		sh.state = HealthHalfOpen
	}

	return sh.state
}

// RecordSuccess records a successful store call.
func (h *HealthTracker) RecordSuccess(store string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.getOrCreate(store)
	sh.state = HealthHealthy
	sh.failures = sh.failures[:0]
}

// RecordFailure records a failed store call.
func (h *HealthTracker) RecordFailure(store string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.getOrCreate(store)
	now := h.clock.Now()

	// A failed half-open probe reopens the breaker immediately.
	if sh.state == HealthHalfOpen {
		sh.state = HealthUnhealthy
		sh.unhealthyAt = now
		return
	}
	if sh.state == HealthUnhealthy {
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := sh.failures[:0]
	for _, t := range sh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	sh.failures = append(valid, now)

	if len(sh.failures) >= healthFailureThreshold {
		sh.state = HealthUnhealthy
		sh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(store string) *storeHealth {
	sh, ok := h.stores[store]
	if !ok {
		sh = &storeHealth{state: HealthHealthy}
		h.stores[store] = sh
	}
	return sh
}
