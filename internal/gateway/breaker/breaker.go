// Package breaker guards transaction creation against a gateway that is
// actively failing. An open circuit fails initiate fast, before any network
// call, so the user can fall back to the other payment method.
package breaker

import (
	"sync"
	"time"
)

// State of one gateway's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

const (
	defaultFailureThreshold         = 5
	defaultOpenStateTimeout         = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
)

// Config tunes the breaker; zero values take the defaults above.
type Config struct {
	FailureThreshold         int
	OpenStateTimeout         time.Duration
	HalfOpenSuccessThreshold int
}

type gatewayState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	openUntil            time.Time
}

// CircuitBreaker tracks health per gateway name. In-memory only.
type CircuitBreaker struct {
	mu       sync.RWMutex
	gateways map[string]*gatewayState

	failureThreshold         int
	openStateTimeout         time.Duration
	halfOpenSuccessThreshold int
}

// New creates a breaker with the given settings.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenStateTimeout <= 0 {
		cfg.OpenStateTimeout = defaultOpenStateTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		gateways:                 make(map[string]*gatewayState),
		failureThreshold:         cfg.FailureThreshold,
		openStateTimeout:         cfg.OpenStateTimeout,
		halfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
	}
}

// getGatewayState assumes the caller holds the write lock.
func (cb *CircuitBreaker) getGatewayState(name string) *gatewayState {
	gs, ok := cb.gateways[name]
	if !ok {
		gs = &gatewayState{state: Closed}
		cb.gateways[name] = gs
	}
	return gs
}

// IsHealthy reports whether requests to the gateway are currently allowed.
// It takes the write lock because an expired Open circuit transitions to
// HalfOpen here.
func (cb *CircuitBreaker) IsHealthy(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.getGatewayState(name)
	switch gs.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(gs.openUntil) {
			gs.state = HalfOpen
			gs.consecutiveSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		gs.state = Closed
		return true
	}
}

// RecordFailure counts a failed gateway call.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.getGatewayState(name)
	gs.lastFailureTime = time.Now()

	switch gs.state {
	case Closed:
		gs.consecutiveFailures++
		if gs.consecutiveFailures >= cb.failureThreshold {
			gs.state = Open
			gs.openUntil = time.Now().Add(cb.openStateTimeout)
		}
	case HalfOpen:
		// A failure while probing re-opens immediately.
		gs.state = Open
		gs.openUntil = time.Now().Add(cb.openStateTimeout)
		gs.consecutiveFailures = 0
		gs.consecutiveSuccesses = 0
	case Open:
		return
	}
}

// RecordSuccess counts a successful gateway call.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.getGatewayState(name)
	switch gs.state {
	case Closed:
		gs.consecutiveFailures = 0
	case HalfOpen:
		gs.consecutiveSuccesses++
		if gs.consecutiveSuccesses >= cb.halfOpenSuccessThreshold {
			gs.state = Closed
			gs.consecutiveFailures = 0
			gs.consecutiveSuccesses = 0
		}
	case Open:
		return
	}
}

// GetState exposes the current state for tests and monitoring. Read-only; it
// never performs the Open to HalfOpen transition.
func (cb *CircuitBreaker) GetState(name string) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	gs, ok := cb.gateways[name]
	if !ok {
		return Closed
	}
	return gs.state
}
