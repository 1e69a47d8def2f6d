package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheFromClient(client), mr
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "fee-ledger:balances:s1", BalancesKey("s1"))
	assert.Equal(t, "fee-ledger:lock:student:s1", LockKey("student:s1"))
	assert.Equal(t, "fee-ledger:ratelimit:key-1:42", RateLimitKey("key-1", 42))
	assert.Equal(t, "fee-ledger:events", PubSubChannel("events"))
}

func TestCache_GetMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	var out map[string]string
	err := cache.Get(context.Background(), "nothing", &out)
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.ErrorIs(t, cache.Set(context.Background(), "", 1, time.Minute), ErrCacheKeyEmpty)
	assert.ErrorIs(t, cache.Set(context.Background(), "k", nil, time.Minute), ErrCacheNilValue)
}

func TestBalanceCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	bc := NewBalanceCache(cache, time.Minute)

	_, ok, err := bc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	want := student.Balances{
		TermID:         "t1",
		TuitionBalance: decimal.RequireFromString("4250.50"),
		BusBalance:     decimal.RequireFromString("-200"),
		Arrears:        decimal.RequireFromString("1000"),
		Credit:         decimal.Zero,
		ComputedAt:     at,
		StudentVersion: 7,
	}
	require.NoError(t, bc.Set(ctx, "s1", want))
	assert.Equal(t, time.Minute, mr.TTL(BalancesKey("s1")))

	got, ok, err := bc.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.Equal(got))
	assert.True(t, got.ComputedAt.Equal(at))
	assert.Equal(t, int64(7), got.StudentVersion)

	require.NoError(t, bc.Invalidate(ctx, "s1"))
	_, ok, err = bc.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalanceCache_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	bc := NewBalanceCache(cache, 0)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, bc.Set(ctx, id, student.ZeroBalances()))
	}
	require.NoError(t, mr.Set("unrelated", "keep"))

	require.NoError(t, bc.InvalidateAll(ctx))

	for _, id := range []string{"a", "b", "c"} {
		_, ok, err := bc.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
	assert.True(t, mr.Exists("unrelated"))
}

func TestStudentLocker_Contention(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	locker := NewStudentLocker(cache, StudentLockerConfig{
		TTL:     time.Minute,
		Timeout: 100 * time.Millisecond,
		Backoff: 10 * time.Millisecond,
	})

	release, err := locker.Lock(ctx, "s1")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "s1")
	assert.ErrorIs(t, err, shared.ErrLockTimeout)
	assert.True(t, shared.IsBusy(err))

	// other students are independent
	releaseOther, err := locker.Lock(ctx, "s2")
	require.NoError(t, err)
	releaseOther()

	release()
	release()

	again, err := locker.Lock(ctx, "s1")
	require.NoError(t, err)
	again()
}

func TestStudentLocker_CallerCancel(t *testing.T) {
	cache, _ := newTestCache(t)
	locker := NewStudentLocker(cache, StudentLockerConfig{Timeout: time.Second, Backoff: 10 * time.Millisecond})

	release, err := locker.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	rl := NewRateLimiter(cache, 2, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 15, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, reset, err := rl.Allow(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 45*time.Second, reset)

	ok, _, err = rl.Allow(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = rl.Allow(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = rl.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _, err = rl.Allow(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_Disabled(t *testing.T) {
	cache, _ := newTestCache(t)
	ok, _, err := NewRateLimiter(cache, 0, time.Minute).Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobGuard_SingleHolder(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	a, b := NewJobGuard(cache), NewJobGuard(cache)

	release, ok, err := a.TryAcquire(ctx, "rebuild_balances", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx, "rebuild_balances", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()

	release, ok, err = b.TryAcquire(ctx, "rebuild_balances", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
}

func TestNewCacheFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	cache, err := NewCacheFromURL(context.Background(), "redis://"+mr.Addr()+"/0", time.Second)
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Ping(context.Background()))

	_, err = NewCacheFromURL(context.Background(), "http://nope", time.Second)
	assert.ErrorIs(t, err, ErrCacheConnection)

	addr := mr.Addr()
	mr.Close()
	_, err = NewCacheFromURL(context.Background(), "redis://"+addr, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrCacheConnection)
}

func TestCache_DeleteByPatternAcrossBatches(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	for i := 0; i < 450; i++ {
		require.NoError(t, mr.Set(BalancesKey(fmt.Sprintf("s%03d", i)), "{}"))
	}
	require.NoError(t, mr.Set(LockKey("student:s001"), "held"))

	require.NoError(t, cache.DeleteByPattern(ctx, PrefixBalances+"*"))
	assert.Equal(t, []string{LockKey("student:s001")}, mr.Keys())
}
