package redis

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alem-hub/school-fee-ledger/internal/domain/student"
)

// BalanceCache implements student.BalanceCache on top of Cache.
type BalanceCache struct {
	cache *Cache
	ttl   time.Duration
}

var _ student.BalanceCache = (*BalanceCache)(nil)

// NewBalanceCache creates a BalanceCache. A non-positive ttl uses TTLBalanceCache.
func NewBalanceCache(cache *Cache, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = TTLBalanceCache
	}
	return &BalanceCache{cache: cache, ttl: ttl}
}

// cachedBalances is the stored shape. Amounts travel as decimal strings.
type cachedBalances struct {
	TermID         string          `json:"term_id"`
	TuitionBalance decimal.Decimal `json:"tuition_balance"`
	BusBalance     decimal.Decimal `json:"bus_balance"`
	Arrears        decimal.Decimal `json:"arrears"`
	Credit         decimal.Decimal `json:"credit"`
	ComputedAt     time.Time       `json:"computed_at"`
	StudentVersion int64           `json:"student_version"`
}

func toCached(b student.Balances) cachedBalances {
	return cachedBalances{
		TermID:         b.TermID,
		TuitionBalance: b.TuitionBalance,
		BusBalance:     b.BusBalance,
		Arrears:        b.Arrears,
		Credit:         b.Credit,
		ComputedAt:     b.ComputedAt,
		StudentVersion: b.StudentVersion,
	}
}

func (c cachedBalances) balances() student.Balances {
	return student.Balances{
		TermID:         c.TermID,
		TuitionBalance: c.TuitionBalance,
		BusBalance:     c.BusBalance,
		Arrears:        c.Arrears,
		Credit:         c.Credit,
		ComputedAt:     c.ComputedAt,
		StudentVersion: c.StudentVersion,
	}
}

// Get returns the cached balances, or ok=false on a miss.
func (c *BalanceCache) Get(ctx context.Context, studentID string) (student.Balances, bool, error) {
	var rec cachedBalances
	if err := c.cache.Get(ctx, BalancesKey(studentID), &rec); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return student.Balances{}, false, nil
		}
		return student.Balances{}, false, err
	}
	return rec.balances(), true, nil
}

// Set stores the balances of one student.
func (c *BalanceCache) Set(ctx context.Context, studentID string, b student.Balances) error {
	return c.cache.Set(ctx, BalancesKey(studentID), toCached(b), c.ttl)
}

// Invalidate drops one student's entry.
func (c *BalanceCache) Invalidate(ctx context.Context, studentID string) error {
	return c.cache.Delete(ctx, BalancesKey(studentID))
}

// InvalidateAll drops every cached balance.
func (c *BalanceCache) InvalidateAll(ctx context.Context) error {
	return c.cache.DeleteByPattern(ctx, PrefixBalances+"*")
}
