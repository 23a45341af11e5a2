package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// Transport delivers locally published events to other nodes. It is
// optional; a single-node deployment runs without one.
type Transport interface {
	// Forward sends a locally published event to the other nodes.
	Forward(ctx context.Context, originBusID string, event *Event) error
	// Close releases transport resources.
	Close() error
}

// transportEnvelope wraps an event with its origin bus ID so receivers
// can drop their own events instead of re-dispatching them.
type transportEnvelope struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// RedisTransport fans events out across nodes over a Redis pub/sub
// channel. The client should already be connected.
type RedisTransport struct {
	client  *redis.Client
	channel string
	bus     *Bus
	logger  core.Logger

	pubsub *redis.PubSub
	done   chan struct{}
}

// RedisTransportConfig configures the transport.
type RedisTransportConfig struct {
	// Channel is the pub/sub channel name. Default: "videoapi:events".
	Channel string
	// Logger is optional.
	Logger core.Logger
}

// NewRedisTransport attaches a Redis pub/sub transport to the bus and
// starts the receive loop. The returned transport is already set on the
// bus.
func NewRedisTransport(ctx context.Context, client *redis.Client, bus *Bus, config *RedisTransportConfig) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}

	cfg := RedisTransportConfig{Channel: "videoapi:events"}
	if config != nil {
		if config.Channel != "" {
			cfg.Channel = config.Channel
		}
		cfg.Logger = config.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("eventbus/transport")
	}

	t := &RedisTransport{
		client:  client,
		channel: cfg.Channel,
		bus:     bus,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}

	t.pubsub = client.Subscribe(ctx, t.channel)
	// Wait for the subscription to be established before events flow.
	if _, err := t.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}

	go t.receiveLoop()

	bus.SetTransport(t)

	t.logger.Info("Redis event transport started", map[string]interface{}{
		"operation": "transport_start",
		"channel":   t.channel,
	})

	return t, nil
}

// Forward publishes the event envelope to the Redis channel.
func (t *RedisTransport) Forward(ctx context.Context, originBusID string, event *Event) error {
	data, err := json.Marshal(transportEnvelope{Origin: originBusID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.channel, err)
	}
	return nil
}

// receiveLoop injects remote events into local dispatch. The bus's
// origin guard drops events this node published itself.
func (t *RedisTransport) receiveLoop() {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-t.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope transportEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				t.logger.Warn("Dropping malformed transport payload", map[string]interface{}{
					"operation": "transport_receive",
					"error":     err.Error(),
				})
				continue
			}
			if envelope.Event == nil {
				continue
			}
			t.bus.DispatchExternal(context.Background(), envelope.Origin, envelope.Event)
		}
	}
}

// Close stops the receive loop and the subscription.
func (t *RedisTransport) Close() error {
	close(t.done)
	return t.pubsub.Close()
}
