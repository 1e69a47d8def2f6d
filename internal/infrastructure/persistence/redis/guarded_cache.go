package redis

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
	"github.com/alem-hub/school-fee-ledger/pkg/circuitbreaker"
)

// GuardedBalanceCache puts a circuit breaker in front of a balance cache.
// While the breaker is open reads miss and writes are skipped, so balance
// queries fall back to projection instead of waiting on a dead Redis.
//
// A skipped or failed invalidation marks the cache dirty. The next read
// first flushes every entry and only then trusts the cache again, so an
// entry that outlived a payment is never served.
type GuardedBalanceCache struct {
	inner   student.BalanceCache
	breaker *circuitbreaker.CircuitBreaker

	// missed counts invalidations that did not reach Redis since the last flush
	missed atomic.Int64
}

var _ student.BalanceCache = (*GuardedBalanceCache)(nil)

// NewGuardedBalanceCache wraps inner. A nil breaker uses circuitbreaker.CacheBreaker.
func NewGuardedBalanceCache(inner student.BalanceCache, breaker *circuitbreaker.CircuitBreaker) *GuardedBalanceCache {
	if breaker == nil {
		breaker = circuitbreaker.CacheBreaker(nil)
	}
	return &GuardedBalanceCache{inner: inner, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedBalanceCache) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

// Get returns the cached balances. An open breaker or a pending flush reads as a miss.
func (g *GuardedBalanceCache) Get(ctx context.Context, studentID string) (student.Balances, bool, error) {
	if g.missed.Load() > 0 && !g.flush(ctx) {
		return student.Balances{}, false, nil
	}

	var (
		b  student.Balances
		ok bool
	)
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		b, ok, err = g.inner.Get(ctx, studentID)
		return err
	})
	if err != nil {
		if isOpen(err) {
			return student.Balances{}, false, nil
		}
		return student.Balances{}, false, err
	}
	return b, ok, nil
}

// Set stores balances unless the breaker is open or a flush is pending.
func (g *GuardedBalanceCache) Set(ctx context.Context, studentID string, b student.Balances) error {
	if g.missed.Load() > 0 {
		return nil
	}
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Set(ctx, studentID, b)
	})
	if isOpen(err) {
		return nil
	}
	return err
}

// Invalidate drops one entry. When that fails the whole cache is flushed later.
func (g *GuardedBalanceCache) Invalidate(ctx context.Context, studentID string) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Invalidate(ctx, studentID)
	})
	if err != nil {
		g.missed.Add(1)
	}
	if isOpen(err) {
		return nil
	}
	return err
}

// InvalidateAll flushes the cache, or marks it dirty when Redis is unreachable.
func (g *GuardedBalanceCache) InvalidateAll(ctx context.Context) error {
	err := g.breaker.Execute(ctx, g.inner.InvalidateAll)
	if err != nil {
		g.missed.Add(1)
	}
	if isOpen(err) {
		return nil
	}
	return err
}

// flush retries a missed invalidation. It reports whether the cache is clean.
// A miss recorded while the flush runs keeps the cache dirty.
func (g *GuardedBalanceCache) flush(ctx context.Context) bool {
	n := g.missed.Load()
	if err := g.breaker.Execute(ctx, g.inner.InvalidateAll); err != nil {
		return false
	}
	return g.missed.CompareAndSwap(n, 0)
}

func isOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests)
}
