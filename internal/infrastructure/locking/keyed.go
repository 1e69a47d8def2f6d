// Package locking provides the in-process coordination primitives the ledger
// uses to serialize writers: a per-student keyed lock and a shared/exclusive
// barrier around the active term.
package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// DefaultLockTimeout bounds how long a caller waits for a student lock.
const DefaultLockTimeout = 5 * time.Second

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is a mutual-exclusion lock per key. Entries are reference
// counted and dropped when nobody holds or waits for them.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
	timeout time.Duration
}

// NewKeyedLocker creates a locker. A non-positive timeout uses DefaultLockTimeout.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &KeyedLocker{
		entries: make(map[string]*keyedEntry),
		timeout: timeout,
	}
}

// Lock acquires the lock for key. It returns shared.ErrLockTimeout when the
// timeout elapses first and ctx.Err() when the caller's context is done.
// The returned release func is safe to call more than once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case e.ch <- struct{}{}:
	case <-waitCtx.Done():
		l.releaseEntry(key, e)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, shared.ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.releaseEntry(key, e)
		})
	}, nil
}

// Held reports whether key is currently locked. Intended for tests and diagnostics.
func (l *KeyedLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && len(e.ch) == 1
}

func (l *KeyedLocker) acquireEntry(key string) *keyedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLocker) releaseEntry(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// timeoutOrCancel maps a failed wait to the caller's cancellation or to busy.
func timeoutOrCancel(parent context.Context, err, busy error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return busy
	}
	return err
}
