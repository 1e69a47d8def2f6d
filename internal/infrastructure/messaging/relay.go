package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/school-fee-ledger/internal/domain/shared"
)

// PubSub is the part of Redis the relay uses.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, func() error, error)
}

type RedisMessage struct {
	Channel string
	Payload string
}

type RedisEventBusConfig struct {
	Client PubSub

	// ChannelName defaults to "fee-ledger:events".
	ChannelName string

	// InstanceID tags outgoing events so an instance can drop its own
	// copies; a random one is generated when empty.
	InstanceID string

	LocalBusConfig InMemoryEventBusConfig
	Logger         *slog.Logger
}

// RedisEventBus delivers every event to local handlers once and publishes
// it on a shared channel, so other instances invalidate their cached
// balances too.
type RedisEventBus struct {
	client   PubSub
	local    *InMemoryEventBus
	channel  string
	instance string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRedisEventBus subscribes to the channel before returning, so events
// published by others after this call are not missed.
func NewRedisEventBus(cfg RedisEventBusConfig) (*RedisEventBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "fee-ledger:events"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalBusConfig.Logger == nil {
		cfg.LocalBusConfig.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, unsubscribe, err := cfg.Client.Subscribe(ctx, cfg.ChannelName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.ChannelName, err)
	}

	b := &RedisEventBus{
		client:   cfg.Client,
		local:    NewInMemoryEventBus(cfg.LocalBusConfig),
		channel:  cfg.ChannelName,
		instance: cfg.InstanceID,
		log:      cfg.Logger.With("instance_id", cfg.InstanceID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		defer func() { _ = unsubscribe() }()
		b.receive(messages)
	}()
	return b, nil
}

func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish never fails because of Redis: the relay error is logged and
// local handlers still run.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrEventBusClosed
	}

	data, err := encodeEnvelope(b.instance, event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(b.ctx, b.channel, string(data)); err != nil {
		b.log.Error("event relay publish failed", "event_type", event.EventType(), "error", err)
	}
	return b.local.Publish(event)
}

func (b *RedisEventBus) receive(messages <-chan RedisMessage) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.deliverRemote(msg.Payload)
		}
	}
}

func (b *RedisEventBus) deliverRemote(payload string) {
	var wire relayedEnvelope
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		b.log.Error("malformed relayed event", "error", err)
		return
	}
	if wire.InstanceID == b.instance {
		return
	}

	event, err := decodeEnvelope(wire.EventEnvelope)
	if err != nil {
		b.log.Error("malformed relayed payload", "event_type", wire.Type, "error", err)
		return
	}
	if err := b.local.Publish(event); err != nil {
		b.log.Warn("relayed event dropped", "event_type", wire.Type, "error", err)
	}
}

func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
	return b.local.Close()
}

// GoRedisClient adapts *redis.Client to PubSub.
type GoRedisClient struct {
	client *redis.Client
}

func NewGoRedisClient(client *redis.Client) *GoRedisClient {
	return &GoRedisClient{client: client}
}

func (c *GoRedisClient) Publish(ctx context.Context, channel, message string) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription confirmation before returning.
func (c *GoRedisClient) Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, func() error, error) {
	sub := c.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan RedisMessage)
	go func() {
		defer close(out)
		for m := range sub.Channel() {
			select {
			case out <- RedisMessage{Channel: m.Channel, Payload: m.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}

type relayedEnvelope struct {
	shared.EventEnvelope
	InstanceID string `json:"instance_id"`
}

func encodeEnvelope(instanceID string, event shared.Event) ([]byte, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(relayedEnvelope{
		EventEnvelope: shared.EventEnvelope{
			ID:          uuid.NewString(),
			Type:        event.EventType(),
			AggregateID: event.AggregateID(),
			Timestamp:   event.OccurredAt(),
			Version:     1,
			Payload:     payload,
		},
		InstanceID: instanceID,
	})
}

func decodeEnvelope(env shared.EventEnvelope) (shared.Event, error) {
	payload := map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return &relayedEvent{env: env, payload: payload}, nil
}

// relayedEvent arrived from another instance.
type relayedEvent struct {
	env     shared.EventEnvelope
	payload map[string]any
}

func (e *relayedEvent) EventType() shared.EventType { return e.env.Type }
func (e *relayedEvent) AggregateID() string         { return e.env.AggregateID }
func (e *relayedEvent) OccurredAt() time.Time       { return e.env.Timestamp }
func (e *relayedEvent) Payload() map[string]any     { return e.payload }

// Relayed reports whether event came from another instance.
func Relayed(event shared.Event) bool {
	_, ok := event.(*relayedEvent)
	return ok
}

// LocalOnly skips events relayed from other instances. Audit records and
// full rebuilds belong to the instance that made the change.
func LocalOnly(handler shared.EventHandler) shared.EventHandler {
	return func(event shared.Event) error {
		if Relayed(event) {
			return nil
		}
		return handler(event)
	}
}
