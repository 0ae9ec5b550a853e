package errors

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// tripped.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is one of the three circuit breaker states.
type State int

const (
	// StateClosed is the normal state: calls go through and failures are
	// counted toward the trip threshold.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a trial run of calls through; enough consecutive
	// successes closes the breaker again, any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures and stays open
// for a cooldown window before letting trial calls through again. It guards
// the embedding worker pool against hammering a backend
// that has stopped responding.
type CircuitBreaker struct {
	failureThreshold int
	cooldown         time.Duration
	closeAfter       int // consecutive half-open successes required to fully close

	mu             sync.Mutex
	state          State
	consecutiveErr int
	halfOpenOK     int
	openedAt       time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures trip the breaker.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithResetTimeout sets how long the breaker stays open before admitting a
// half-open trial call.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// NewCircuitBreaker builds a breaker. Defaults: trips after 5 consecutive
// failures, cools down for 30s, and wants 1 clean half-open call to close.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: 5,
		cooldown:         30 * time.Second,
		closeAfter:       1,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	_ = name // retained in the constructor signature for call-site readability
	return cb
}

// State reports the breaker's current state, promoting Open to HalfOpen once
// the cooldown window has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

// effectiveState must be called with cb.mu held.
func (cb *CircuitBreaker) effectiveState() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) > cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) admit() (state State, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state = cb.effectiveState()
	if state == StateOpen {
		return state, false
	}
	if state == StateHalfOpen && cb.state == StateOpen {
		cb.state = StateHalfOpen // latch the promotion so concurrent callers see it too
	}
	return state, true
}

func (cb *CircuitBreaker) recordResult(state State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecutiveErr++
		cb.halfOpenOK = 0
		if state == StateHalfOpen || cb.consecutiveErr >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
		return
	}

	cb.consecutiveErr = 0
	if state == StateHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.closeAfter {
			cb.state = StateClosed
			cb.halfOpenOK = 0
		}
		return
	}
	cb.state = StateClosed
}

// CircuitExecuteWithResult runs fn through the breaker, falling back instead
// of calling fn at all while the breaker is open.
func CircuitExecuteWithResult[T any](cb *CircuitBreaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	state, ok := cb.admit()
	if !ok {
		return fallback()
	}

	result, err := fn()
	cb.recordResult(state, err)
	if err != nil && state == StateHalfOpen {
		return fallback()
	}
	return result, err
}
