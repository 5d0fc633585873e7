package provider

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultProbeInterval    = 30 * time.Second
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // healthy, requests flow
	StateOpen                         // unhealthy, requests blocked
	StateHalfOpen                     // probing, one request allowed
)

func (s CircuitState) String() string {
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

// CircuitBreaker guards one provider. Consecutive failures open the
// circuit; after the probe interval a single request is let through to
// test recovery.
type CircuitBreaker struct {
	mu sync.Mutex

	state    CircuitState
	failures int
	openedAt time.Time

	failureThreshold int
	probeInterval    time.Duration
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, probeInterval time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		probeInterval:    probeInterval,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState transitions OPEN→HALF_OPEN when the probe interval has
// elapsed. Must be called with mu held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.probeInterval {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// Allow reports whether a request should pass.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != StateOpen
}

// RecordSuccess closes the circuit after a successful probe.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		// Probe failed, back to open.
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}
