package locking

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// DefaultBarrierTimeout bounds how long a caller waits for the term barrier.
const DefaultBarrierTimeout = 10 * time.Second

// barrierWidth is the number of units a writer holds; each reader holds one.
const barrierWidth = 1 << 20

// TermBarrier orders payments against term activation and fee edits.
// Payments and enrollment updates hold it shared; activation and fee schedule
// edits hold it exclusively, so they wait for in-flight payments to drain
// and block new ones until they finish. A waiting exclusive holder is served
// before readers that arrive after it.
type TermBarrier struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewTermBarrier creates a barrier. A non-positive timeout uses DefaultBarrierTimeout.
func NewTermBarrier(timeout time.Duration) *TermBarrier {
	if timeout <= 0 {
		timeout = DefaultBarrierTimeout
	}
	return &TermBarrier{
		sem:     semaphore.NewWeighted(barrierWidth),
		timeout: timeout,
	}
}

// Shared acquires the barrier for a payment-path operation.
func (b *TermBarrier) Shared(ctx context.Context) (func(), error) {
	return b.acquire(ctx, 1)
}

// Exclusive acquires the whole barrier.
func (b *TermBarrier) Exclusive(ctx context.Context) (func(), error) {
	return b.acquire(ctx, barrierWidth)
}

func (b *TermBarrier) acquire(ctx context.Context, n int64) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, n); err != nil {
		return nil, timeoutOrCancel(ctx, err, shared.ErrBarrierTimeout)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		b.sem.Release(n)
	}, nil
}
