package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/pkg/retry"
)

// ErrHandlerPanic marks errors produced by RecoveryMiddleware; they are not retried.
var ErrHandlerPanic = errors.New("handler panicked")

// Middleware wraps every registered handler.
type Middleware func(shared.EventHandler) shared.EventHandler

// HandlerRegistration names a handler and bounds its retries and run time.
// Zero MaxRetries takes the dispatcher default; zero Timeout means 30s.
type HandlerRegistration struct {
	Name       string
	Handler    shared.EventHandler
	MaxRetries int
	Timeout    time.Duration
}

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

type DispatcherConfig struct {
	EventBus    shared.EventBus
	RetryConfig RetryConfig

	// DeadLetterQueueSize bounds the DLQ; zero disables it.
	DeadLetterQueueSize int

	Logger *slog.Logger
}

// Dispatcher fans events from the bus out to handlers. Handlers of one
// event run in registration order; a failing handler does not stop the rest.
// Deliveries that exhaust their retries land in the dead letter queue.
type Dispatcher struct {
	bus   shared.EventBus
	retry RetryConfig
	dlq   *DeadLetterQueue
	log   *slog.Logger

	mu          sync.RWMutex
	handlers    map[shared.EventType][]HandlerRegistration
	middlewares []Middleware

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		bus:      cfg.EventBus,
		retry:    cfg.RetryConfig,
		log:      cfg.Logger,
		handlers: make(map[shared.EventType][]HandlerRegistration),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.DeadLetterQueueSize > 0 {
		d.dlq = NewDeadLetterQueue(cfg.DeadLetterQueueSize)
	}
	return d
}

func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, m)
}

func (d *Dispatcher) RegisterHandler(eventType shared.EventType, reg HandlerRegistration) error {
	if reg.Handler == nil {
		return errors.New("handler cannot be nil")
	}
	if reg.Name == "" {
		reg.Name = string(eventType)
	}
	if reg.MaxRetries <= 0 {
		reg.MaxRetries = d.retry.MaxRetries
	}
	if reg.Timeout <= 0 {
		reg.Timeout = 30 * time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], reg)
	d.log.Debug("registered handler", "event_type", eventType, "handler", reg.Name)
	return nil
}

// Register subscribes one handler under name to several event types.
func (d *Dispatcher) Register(name string, handler shared.EventHandler, eventTypes ...shared.EventType) error {
	for _, t := range eventTypes {
		if err := d.RegisterHandler(t, HandlerRegistration{Name: name, Handler: handler}); err != nil {
			return err
		}
	}
	return nil
}

// Start subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Start() error {
	return d.bus.SubscribeAll(d.Dispatch)
}

// Stop abandons pending retries.
func (d *Dispatcher) Stop() error {
	d.cancel()
	d.log.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) Dispatch(event shared.Event) error {
	d.mu.RLock()
	regs := d.handlers[event.EventType()]
	mws := d.middlewares
	d.mu.RUnlock()

	var errs []error
	for _, reg := range regs {
		h := reg.Handler
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		if err := d.deliver(event, reg, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(event shared.Event, reg HandlerRegistration, h shared.EventHandler) error {
	attempts := 0
	r := retry.New(
		retry.WithMaxAttempts(reg.MaxRetries+1),
		retry.WithInitialDelay(d.retry.InitialBackoff),
		retry.WithMaxDelay(d.retry.MaxBackoff),
		retry.WithRetryIf(func(err error) bool { return !errors.Is(err, ErrHandlerPanic) }),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.log.Warn("handler attempt failed",
				"handler", reg.Name, "aggregate_id", event.AggregateID(), "attempt", attempt, "backoff", delay, "error", err)
		}),
	)
	err := r.Do(d.ctx, func(ctx context.Context) error {
		attempts++
		return runBounded(ctx, h, event, reg.Timeout)
	})
	if err == nil {
		return nil
	}

	if d.dlq != nil {
		d.dlq.Add(DeadLetterEntry{
			Event:       event,
			HandlerName: reg.Name,
			Error:       err,
			Attempts:    attempts,
			FailedAt:    time.Now(),
		})
	}
	return fmt.Errorf("handler %s failed after %d attempts: %w", reg.Name, attempts, err)
}

// runBounded stops waiting after timeout. The handler goroutine is not
// interrupted and finishes on its own.
func runBounded(ctx context.Context, h shared.EventHandler, event shared.Event, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- h(event) }()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		return fmt.Errorf("handler timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetterQueue returns nil when the queue is disabled.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.dlq
}

// RecoveryMiddleware turns a handler panic into ErrHandlerPanic.
func RecoveryMiddleware(log *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic recovered",
						"event_type", event.EventType(), "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

func LoggingMiddleware(log *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			attrs := []any{
				"event_type", event.EventType(),
				"aggregate_id", event.AggregateID(),
				"duration", time.Since(start),
			}
			if err != nil {
				log.Error("handler failed", append(attrs, "error", err)...)
			} else {
				log.Debug("handler completed", attrs...)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	Attempts    int
	FailedAt    time.Time
}

// DeadLetterQueue keeps the most recent failed deliveries in memory.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	limit   int
	now     func() time.Time
}

func NewDeadLetterQueue(limit int) *DeadLetterQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &DeadLetterQueue{limit: limit, now: time.Now}
}

// Add appends an entry, dropping the oldest at capacity.
func (q *DeadLetterQueue) Add(e DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.limit {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, e)
}

func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]DeadLetterEntry(nil), q.entries...)
}

func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Check is a health probe that fails while any delivery failed within the
// last window, naming the most recent handler.
func (q *DeadLetterQueue) Check(window time.Duration) func(context.Context) error {
	return func(context.Context) error {
		q.mu.RLock()
		defer q.mu.RUnlock()

		since := q.now().Add(-window)
		recent := 0
		var last DeadLetterEntry
		for _, e := range q.entries {
			if e.FailedAt.After(since) {
				recent++
				last = e
			}
		}
		if recent == 0 {
			return nil
		}
		return fmt.Errorf("%d event deliveries failed in the last %v; last: %s: %v", recent, window, last.HandlerName, last.Error)
	}
}
