package redis

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// JobGuard lets one worker instance run a scheduled job at a time.
type JobGuard struct {
	locker *redislock.Client
}

// NewJobGuard creates a JobGuard over the cache's client.
func NewJobGuard(cache *Cache) *JobGuard {
	return &JobGuard{locker: redislock.New(cache.Client())}
}

// TryAcquire takes the job lease without waiting. ok is false when another
// instance holds it.
func (g *JobGuard) TryAcquire(ctx context.Context, jobName string, ttl time.Duration) (func(), bool, error) {
	lock, err := g.locker.Obtain(ctx, LockKey("job:"+jobName), ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, true, nil
}
