package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
	"github.com/alem-hub/school-fee-ledger/pkg/logger"
)

func paymentEvent(studentID string) shared.Event {
	return shared.NewPaymentRecordedEvent(studentID, "pay-1", "term-1", "1500", "cash",
		[4]string{"0", "1500", "0", "0"})
}

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false, Logger: logger.NopSlog()})
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventPaymentRecorded, func(shared.Event) error { typed++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	require.NoError(t, bus.Publish(paymentEvent("s1")))
	require.NoError(t, bus.Publish(shared.NewTermCreatedEvent("t1", "Term 1")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
	assert.Equal(t, int64(1), bus.Metrics().Published(shared.EventPaymentRecorded))
}

func TestInMemoryEventBus_HandlerErrorDoesNotFailPublish(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))

	assert.NoError(t, bus.Publish(paymentEvent("s1")))
	assert.Equal(t, int64(1), bus.Metrics().HandlerFailures())
	assert.Equal(t, int64(1), bus.Metrics().HandlerRuns())
}

func TestInMemoryEventBus_AsyncDrainAndClose(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: logger.NopSlog()})

	var seen atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { seen.Add(1); return nil }))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(paymentEvent("s1")))
	}
	bus.Drain()
	assert.Equal(t, int32(10), seen.Load())

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(paymentEvent("s1")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	assert.Error(t, bus.Publish(nil))
	assert.Error(t, bus.Subscribe(shared.EventPaymentRecorded, nil))
}

// broker is an in-process stand-in for Redis Pub/Sub.
type broker struct {
	mu   sync.Mutex
	subs []chan RedisMessage
}

func (b *broker) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	subs := append([]chan RedisMessage(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- RedisMessage{Channel: channel, Payload: message}
	}
	return nil
}

func (b *broker) Subscribe(_ context.Context, _ string) (<-chan RedisMessage, func() error, error) {
	ch := make(chan RedisMessage, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, func() error { return nil }, nil
}

func TestRedisEventBus_RelaysBetweenInstances(t *testing.T) {
	br := &broker{}
	cfg := func(id string) RedisEventBusConfig {
		return RedisEventBusConfig{
			Client:         br,
			InstanceID:     id,
			LocalBusConfig: InMemoryEventBusConfig{AsyncMode: false},
			Logger:         logger.NopSlog(),
		}
	}

	a, err := NewRedisEventBus(cfg("a"))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisEventBus(cfg("b"))
	require.NoError(t, err)
	defer b.Close()

	var localCount atomic.Int32
	require.NoError(t, a.Subscribe(shared.EventPaymentRecorded, func(shared.Event) error {
		localCount.Add(1)
		return nil
	}))

	var mu sync.Mutex
	var remote []shared.Event
	require.NoError(t, b.Subscribe(shared.EventPaymentRecorded, func(e shared.Event) error {
		mu.Lock()
		defer mu.Unlock()
		remote = append(remote, e)
		return nil
	}))

	require.NoError(t, a.Publish(paymentEvent("student-7")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(remote) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	got := remote[0]
	mu.Unlock()
	assert.Equal(t, "student-7", got.AggregateID())
	assert.Equal(t, "1500", got.Payload()["amount"])

	// the publishing instance ignores its own relayed copy
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), localCount.Load())
}

func TestRedisEventBus_RequiresClient(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}

func newDispatcher(bus shared.EventBus) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		EventBus:            bus,
		RetryConfig:         RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		DeadLetterQueueSize: 10,
		Logger:              logger.NopSlog(),
	})
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	bus := syncBus()
	d := newDispatcher(bus)
	d.Use(RecoveryMiddleware(logger.NopSlog()))
	d.Use(LoggingMiddleware(logger.NopSlog()))

	calls := 0
	require.NoError(t, d.Register("flaky", func(shared.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, shared.EventPaymentRecorded))
	require.NoError(t, d.Start())

	require.NoError(t, bus.Publish(paymentEvent("s1")))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, d.DeadLetterQueue().Size())
}

func TestDispatcher_DeadLettersAfterRetries(t *testing.T) {
	d := newDispatcher(syncBus())

	calls := 0
	require.NoError(t, d.RegisterHandler(shared.EventPaymentReversed, HandlerRegistration{
		Name:       "always-fails",
		MaxRetries: 1,
		Handler:    func(shared.Event) error { calls++; return errors.New("down") },
	}))

	ev := shared.NewPaymentReversedEvent("s1", "p1", "r1", "100", "duplicate")
	err := d.Dispatch(ev)
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "always-fails", entries[0].HandlerName)
	assert.Equal(t, 2, entries[0].Attempts)
}

func TestDispatcher_PanicIsNotRetried(t *testing.T) {
	d := newDispatcher(syncBus())
	d.Use(RecoveryMiddleware(logger.NopSlog()))

	calls := 0
	require.NoError(t, d.Register("panics", func(shared.Event) error {
		calls++
		panic("bad state")
	}, shared.EventTermActivated))

	err := d.Dispatch(shared.NewTermActivatedEvent("t1", "", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_UnregisteredTypeIsNoop(t *testing.T) {
	d := newDispatcher(syncBus())
	assert.NoError(t, d.Dispatch(paymentEvent("s1")))
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	for _, name := range []string{"a", "b", "c"} {
		q.Add(DeadLetterEntry{HandlerName: name})
	}
	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].HandlerName)
	assert.Equal(t, "c", entries[1].HandlerName)
}

func TestDeadLetterQueue_CheckWindow(t *testing.T) {
	q := NewDeadLetterQueue(10)
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	check := q.Check(15 * time.Minute)

	require.NoError(t, check(context.Background()))

	q.Add(DeadLetterEntry{HandlerName: "audit", Error: errors.New("disk full"), FailedAt: now.Add(-time.Minute)})
	err := check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit: disk full")

	now = now.Add(time.Hour)
	assert.NoError(t, check(context.Background()))
}

func TestLocalOnly_SkipsRelayedEvents(t *testing.T) {
	var calls int
	h := LocalOnly(func(shared.Event) error { calls++; return nil })

	require.NoError(t, h(paymentEvent("s1")))

	data, err := encodeEnvelope("other", paymentEvent("s1"))
	require.NoError(t, err)
	var wire relayedEnvelope
	require.NoError(t, json.Unmarshal(data, &wire))
	relayed, err := decodeEnvelope(wire.EventEnvelope)
	require.NoError(t, err)

	assert.True(t, Relayed(relayed))
	assert.False(t, Relayed(paymentEvent("s1")))
	require.NoError(t, h(relayed))
	assert.Equal(t, 1, calls)
}
