package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned while the breaker rejects transactions.
var ErrCircuitOpen = errors.New("storage unavailable: circuit breaker is open")

// CircuitBreaker stops sending transactions to a database that keeps
// failing. Only failures classified by IsFailure count; allocation outcomes
// such as "no rows available" are answers, not faults.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing

	// IsFailure classifies errors returned by fn. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called without the lock held.
	OnStateChange func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

func (cb *CircuitBreaker) failed(err error) bool {
	if err == nil {
		return false
	}
	if cb.IsFailure == nil {
		return true
	}
	return cb.IsFailure(err)
}

// Execute runs fn unless the breaker is open. After resetTimeout one probe
// is let through; its outcome closes or reopens the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		if cb.failed(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.unlockAndNotify(from)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.unlockAndNotify(from)

		err := fn()
		cb.mu.Lock()
		if cb.failed(err) {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
		cb.unlockAndNotify(StateHalfOpen)
		return err

	default:
		// half-open: the probe is in flight
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to := cb.state
	notify := cb.OnStateChange
	cb.mu.Unlock()
	if notify != nil && from != to {
		notify(from, to)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
