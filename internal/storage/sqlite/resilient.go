package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every transaction of the inner store through a
// CircuitBreaker and RetryOnDBLock. Retries always replay the whole
// transaction, never a single statement.
type ResilientStore struct {
	inner storage.Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient wraps inner with default settings (threshold=5,
// resetTimeout=30s).
func NewResilient(inner storage.Store, log *logger.Logger) *ResilientStore {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if log != nil {
		cb.OnStateChange = func(from, to BreakerState) {
			log.Warn("storage circuit breaker", "from", from.String(), "to", to.String())
		}
	}
	return NewResilientWithBreaker(inner, cb)
}

// NewResilientWithBreaker wraps inner with a custom circuit breaker.
func NewResilientWithBreaker(inner storage.Store, cb *CircuitBreaker) *ResilientStore {
	if cb.IsFailure == nil {
		cb.IsFailure = isInfrastructureError
	}
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, r.retry, func() error {
			return r.inner.InTx(ctx, fn)
		})
	})
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

// isInfrastructureError is true for errors that say nothing about the
// request: driver failures, lock timeouts and the like.
func isInfrastructureError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return core.KindOf(err) == core.KindInternal
}
