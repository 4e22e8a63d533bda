package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine polls the PEL for deliveries whose consumer died before
// acknowledging them. They are claimed and acknowledged without reprocessing:
// the pipeline acknowledges regardless of outcome, so a stale entry is dropped
// and logged rather than replayed. It blocks until ctx is cancelled.
func (r *RedisStream) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consumerName := r.consumer + "-recovery"

	slog.Info("Starting Redis Recovery Routine", "stream", r.stream, "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.reclaim(ctx, consumerName, maxAge); n > 0 {
				slog.Warn("Dropped stale deliveries", "stream", r.stream, "count", n)
			}
		}
	}
}

// reclaim runs XAUTOCLAIM in batches of 10 until the PEL scan wraps around.
func (r *RedisStream) reclaim(ctx context.Context, consumer string, maxAge time.Duration) int {
	start := "-"
	total := 0

	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: consumer,
		}).Result()
		if err != nil {
			slog.Error("Recovery routine failed", "stream", r.stream, "error", err)
			return total
		}

		for _, msg := range messages {
			corr, _ := msg.Values[fieldCorrelation].(string)
			slog.Warn("Stale delivery claimed by recovery agent", "stream", r.stream, "msgID", msg.ID, "correlationID", corr)
			if err := r.Ack(ctx, msg.ID); err != nil {
				slog.Error("Failed to ack stale delivery", "msgID", msg.ID, "error", err)
				continue
			}
			total++
		}

		if len(messages) == 0 || next == "0-0" {
			return total
		}
		start = next
	}
}
