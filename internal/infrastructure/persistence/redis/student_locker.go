package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// StudentLocker serializes writers per student across ledger instances.
// Each lock is a lease: a holder that dies releases it after the TTL.
type StudentLocker struct {
	locker  *redislock.Client
	ttl     time.Duration
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// StudentLockerConfig configures a StudentLocker.
type StudentLockerConfig struct {
	// TTL is the lease length.
	TTL time.Duration

	// Timeout bounds the wait for a held lock.
	Timeout time.Duration

	// Backoff is the pause between attempts while waiting.
	Backoff time.Duration

	Logger *slog.Logger
}

// DefaultStudentLockerConfig returns defaults matching the in-process locker.
func DefaultStudentLockerConfig() StudentLockerConfig {
	return StudentLockerConfig{
		TTL:     TTLStudentLock,
		Timeout: 5 * time.Second,
		Backoff: 25 * time.Millisecond,
		Logger:  slog.Default(),
	}
}

// NewStudentLocker creates a locker over the cache's client.
func NewStudentLocker(cache *Cache, cfg StudentLockerConfig) *StudentLocker {
	def := DefaultStudentLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &StudentLocker{
		locker:  redislock.New(cache.Client()),
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
	}
}

// Lock obtains the student's lock. It returns shared.ErrLockTimeout when the
// wait times out and ctx.Err() when the caller gives up first.
func (l *StudentLocker) Lock(ctx context.Context, studentID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	lock, err := l.locker.Obtain(waitCtx, LockKey("student:"+studentID), l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, shared.ErrLockTimeout
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(lock, studentID) })
	}, nil
}

func (l *StudentLocker) release(lock *redislock.Lock, studentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		l.logger.Warn("failed to release student lock",
			"student_id", studentID,
			"error", err,
		)
	}
}
