package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker(time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "s1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, l.Held("s1"))
}

func TestKeyedLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyedLocker(50 * time.Millisecond)
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedLocker_TimeoutIsBusy(t *testing.T) {
	l := NewKeyedLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "s1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(ctx, "s1")
	assert.ErrorIs(t, err, shared.ErrLockTimeout)
	assert.True(t, shared.IsBusy(err))
}

func TestKeyedLocker_CancelledContext(t *testing.T) {
	l := NewKeyedLocker(time.Second)

	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedLocker_DoubleUnlockIsSafe(t *testing.T) {
	l := NewKeyedLocker(time.Second)

	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock()
}

func TestTermBarrier_SharedHoldersCoexist(t *testing.T) {
	b := NewTermBarrier(50 * time.Millisecond)
	ctx := context.Background()

	r1, err := b.Shared(ctx)
	require.NoError(t, err)
	r2, err := b.Shared(ctx)
	require.NoError(t, err)

	_, err = b.Exclusive(ctx)
	assert.ErrorIs(t, err, shared.ErrBarrierTimeout)

	r1()
	r2()

	w, err := b.Exclusive(ctx)
	require.NoError(t, err)
	w()
}

func TestTermBarrier_ExclusiveBlocksShared(t *testing.T) {
	b := NewTermBarrier(30 * time.Millisecond)
	ctx := context.Background()

	w, err := b.Exclusive(ctx)
	require.NoError(t, err)

	_, err = b.Shared(ctx)
	assert.ErrorIs(t, err, shared.ErrBarrierTimeout)

	w()
	r, err := b.Shared(ctx)
	require.NoError(t, err)
	r()
}

func TestTermBarrier_CancelledContext(t *testing.T) {
	b := NewTermBarrier(time.Second)
	w, err := b.Exclusive(context.Background())
	require.NoError(t, err)
	defer w()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Shared(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
