package adapter

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	// BreakerClosed passes requests through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects requests without touching the transport.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen passes requests through while watching for
	// consecutive successes.
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive successes to close from half-open
	RecoveryTimeout  time.Duration // open duration before a probe is allowed
	VolumeThreshold  int           // minimum observed requests before opening
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		VolumeThreshold:  10,
	}
}

// BreakerStatus is a point-in-time snapshot of the breaker counters.
type BreakerStatus struct {
	State                BreakerState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses"`
	TotalRequests        int64        `json:"totalRequests"`
	LastStateChange      time.Time    `json:"lastStateChange"`
}

// CircuitBreaker isolates a failing backend. Counters are only touched from
// the owning adapter's request paths; the mutex covers memory visibility and
// the occasional concurrent caller.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	lastStateChange      time.Time

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a closed breaker with the given tuning.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:             cfg,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow decides whether a new request may proceed. In the open state the
// first call after the recovery timeout moves the breaker to half-open and
// is allowed through as the probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.RecoveryTimeout {
			return &CircuitOpenError{Status: cb.statusLocked()}
		}
		cb.transitionLocked(BreakerHalfOpen)
	}
	return nil
}

// RecordSuccess notes a successful request outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++

	if cb.state == BreakerHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
		cb.transitionLocked(BreakerClosed)
	}
}

// RecordFailure notes a failed request outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	switch cb.state {
	case BreakerHalfOpen:
		// Any failure during the probe window re-opens.
		cb.transitionLocked(BreakerOpen)
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold && cb.totalRequests >= int64(cb.cfg.VolumeThreshold) {
			cb.transitionLocked(BreakerOpen)
		}
	}
}

// Status returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statusLocked()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) statusLocked() BreakerStatus {
	return BreakerStatus{
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		TotalRequests:        cb.totalRequests,
		LastStateChange:      cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.lastStateChange = cb.now()
	if next == BreakerHalfOpen {
		cb.consecutiveSuccesses = 0
	}
}
