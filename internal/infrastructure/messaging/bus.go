// Package messaging fans ledger events out to cache invalidation and audit
// handlers. InMemoryEventBus serves one process; RedisEventBus relays events
// between ledger instances over Redis Pub/Sub.
package messaging

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

var (
	ErrEventBusClosed = errors.New("event bus is closed")
	errNilHandler     = errors.New("handler cannot be nil")
	errNilEvent       = errors.New("event cannot be nil")
)

type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers off the publisher's goroutine, at most
	// WorkerPoolSize at a time.
	AsyncMode      bool
	WorkerPoolSize int
	Logger         *slog.Logger
}

func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 10}
}

// InMemoryEventBus delivers events to handlers of this process. Handler
// errors are logged and never reach the publisher, whose write has
// already committed.
type InMemoryEventBus struct {
	async bool
	slots chan struct{}
	log   *slog.Logger
	stats *BusStats

	mu       sync.RWMutex
	byType   map[shared.EventType][]shared.EventHandler
	wildcard []shared.EventHandler
	closed   bool
	closing  chan struct{}
	pending  sync.WaitGroup
}

func NewInMemoryEventBus(cfg InMemoryEventBusConfig) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	return &InMemoryEventBus{
		async:   cfg.AsyncMode,
		slots:   make(chan struct{}, cfg.WorkerPoolSize),
		log:     cfg.Logger,
		stats:   newBusStats(),
		byType:  make(map[shared.EventType][]shared.EventHandler),
		closing: make(chan struct{}),
	}
}

func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.add(handler, func() {
		b.byType[eventType] = append(b.byType[eventType], handler)
	})
}

func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.add(handler, func() { b.wildcard = append(b.wildcard, handler) })
}

func (b *InMemoryEventBus) add(handler shared.EventHandler, register func()) error {
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	register()
	return nil
}

func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	typed := b.byType[event.EventType()]
	targets := make([]shared.EventHandler, 0, len(typed)+len(b.wildcard))
	targets = append(append(targets, typed...), b.wildcard...)
	b.mu.RUnlock()

	b.stats.published(event.EventType())
	for _, h := range targets {
		if b.async {
			b.spawn(event, h)
		} else {
			b.run(event, h)
		}
	}
	return nil
}

func (b *InMemoryEventBus) spawn(event shared.Event, h shared.EventHandler) {
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		select {
		case b.slots <- struct{}{}:
		case <-b.closing:
			return
		}
		defer func() { <-b.slots }()
		b.run(event, h)
	}()
}

func (b *InMemoryEventBus) run(event shared.Event, h shared.EventHandler) {
	err := h(event)
	b.stats.handled(err)
	if err != nil {
		b.log.Error("event handler failed", "event_type", event.EventType(), "aggregate_id", event.AggregateID(), "error", err)
	}
}

// Drain waits for async handlers already started.
func (b *InMemoryEventBus) Drain() { b.pending.Wait() }

// Close rejects further events and subscriptions. Handlers still waiting
// for a worker slot are dropped; running ones finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	b.mu.Unlock()

	b.pending.Wait()
	b.log.Info("event bus closed")
	return nil
}

func (b *InMemoryEventBus) Metrics() *BusStats { return b.stats }

// BusStats counts events and handler runs of one bus.
type BusStats struct {
	mu       sync.Mutex
	byType   map[shared.EventType]int64
	runs     atomic.Int64
	failures atomic.Int64
}

func newBusStats() *BusStats {
	return &BusStats{byType: make(map[shared.EventType]int64)}
}

func (s *BusStats) published(t shared.EventType) {
	s.mu.Lock()
	s.byType[t]++
	s.mu.Unlock()
}

func (s *BusStats) handled(err error) {
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
	}
}

func (s *BusStats) Published(t shared.EventType) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byType[t]
}

func (s *BusStats) HandlerRuns() int64 { return s.runs.Load() }

func (s *BusStats) HandlerFailures() int64 { return s.failures.Load() }
