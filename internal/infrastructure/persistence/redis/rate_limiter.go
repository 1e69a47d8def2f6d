package redis

import (
	"context"
	"time"
)

// RateLimiter is a fixed-window counter per identifier.
type RateLimiter struct {
	cache  *Cache
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit requests per window for each identifier.
func NewRateLimiter(cache *Cache, limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = TTLRateLimitWindow
	}
	return &RateLimiter{cache: cache, limit: limit, window: window, now: time.Now}
}

// Allow counts one request and reports whether it fits the current window.
// The second result is the time until the window resets.
func (r *RateLimiter) Allow(ctx context.Context, identifier string) (bool, time.Duration, error) {
	if r.limit <= 0 {
		return true, 0, nil
	}

	now := r.now()
	window := now.UnixNano() / int64(r.window)
	reset := time.Unix(0, (window+1)*int64(r.window)).Sub(now)

	n, err := r.cache.IncrWithTTL(ctx, RateLimitKey(identifier, window), r.window)
	if err != nil {
		return false, 0, err
	}
	return n <= r.limit, reset, nil
}
