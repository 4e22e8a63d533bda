package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldCorrelation = "correlation_id"
	fieldBody        = "body"
)

// Connect returns a Redis client after a fail-fast ping check.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisStream implements domain.Stream using Redis Streams and one consumer group.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// Ensure RedisStream satisfies the interface
var _ domain.Stream = (*RedisStream)(nil)

// NewRedisStream returns a stream adapter. The consumer name is unique per
// process (hostname plus a random suffix) so replicas share the group's load.
func NewRedisStream(client *redis.Client, stream, group string) *RedisStream {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &RedisStream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Publish appends a message with XADD, keyed by correlationID.
func (r *RedisStream) Publish(ctx context.Context, correlationID string, body []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			fieldCorrelation: correlationID,
			fieldBody:        body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", r.stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, tolerating BUSYGROUP.
// The group starts at the beginning of the stream so messages published
// before the first consumer came up are still delivered.
func (r *RedisStream) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", r.group, err)
	}
	return nil
}

// Consume returns a channel of deliveries read with XREADGROUP.
func (r *RedisStream) Consume(ctx context.Context) (<-chan domain.Message, error) {
	if err := r.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Message)

	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}

			// Block for 2s at most so cancellation is noticed.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"},
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "stream", r.stream, "error", err)
				time.Sleep(1 * time.Second) // Backoff
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					m, ok := decode(msg)
					if !ok {
						// Poison entry: drop it so it does not sit in the PEL forever.
						slog.Error("Invalid message format", "stream", r.stream, "msgID", msg.ID)
						_ = r.Ack(ctx, msg.ID)
						continue
					}
					select {
					case outCh <- m:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return outCh, nil
}

// Ack confirms processing using XACK.
func (r *RedisStream) Ack(ctx context.Context, msgID string) error {
	if err := r.client.XAck(ctx, r.stream, r.group, msgID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", msgID, r.stream, err)
	}
	return nil
}

func decode(msg redis.XMessage) (domain.Message, bool) {
	corr, ok := msg.Values[fieldCorrelation].(string)
	if !ok || corr == "" {
		return domain.Message{}, false
	}
	body, ok := msg.Values[fieldBody].(string)
	if !ok {
		return domain.Message{}, false
	}
	return domain.Message{ID: msg.ID, CorrelationID: corr, Body: []byte(body)}, true
}
