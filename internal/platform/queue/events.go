package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// EventBus implements domain.EventBus over a Redis Pub/Sub channel.
// Delivery is at-most-once: a replica that is not subscribed misses the event.
type EventBus struct {
	client  *redis.Client
	channel string
}

var _ domain.EventBus = (*EventBus)(nil)

func NewEventBus(client *redis.Client, channel string) *EventBus {
	return &EventBus{client: client, channel: channel}
}

// PublishEvent broadcasts ev to every subscribed replica.
func (b *EventBus) PublishEvent(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Name, err)
	}
	return nil
}

// SubscribeEvents subscribes to the channel and streams decoded events.
func (b *EventBus) SubscribeEvents(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	outCh := make(chan domain.Event)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Error("Failed to unmarshal event", "error", err)
					continue
				}

				select {
				case outCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
