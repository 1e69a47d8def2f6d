package http

import (
	"context"
	"sync"
	"time"
)

// memoryRateLimiter is a sliding-window limiter for a single instance,
// used when Redis is not configured.
type memoryRateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	swept  time.Time
	now    func() time.Time
}

func newMemoryRateLimiter(limit int, window time.Duration) *memoryRateLimiter {
	return &memoryRateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.swept) > l.window {
		for k, ts := range l.hits {
			if ts = dropBefore(ts, cutoff); len(ts) == 0 {
				delete(l.hits, k)
			} else {
				l.hits[k] = ts
			}
		}
		l.swept = now
	}

	ts := dropBefore(l.hits[key], cutoff)
	if len(ts) >= l.limit {
		l.hits[key] = ts
		return false, ts[0].Add(l.window).Sub(now), nil
	}
	l.hits[key] = append(ts, now)
	return true, 0, nil
}

// dropBefore keeps the timestamps after cutoff; ts is in ascending order.
func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
