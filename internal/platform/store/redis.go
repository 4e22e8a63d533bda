package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	acceptedFlag   = "true"
	unacceptedFlag = "false"
)

// Options tunes the RedisStore.
type Options struct {
	// Prefix namespaces every key the store touches.
	Prefix string
	// PendingTTL is the lifetime of an unresolved pending match.
	PendingTTL time.Duration
	// MaxRetries caps optimistic-lock retries in MarkAccepted.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

// RedisStore implements domain.MatchQueue on top of Redis.
//
// Key shapes:
//
//	<prefix>:queue:<queueID>               sorted set, member=userID score=enqueue time (ms)
//	<prefix>:pending:<pendingID>           hash, field=userID value="true"|"false", TTL
//	<prefix>:pending:<pendingID>:challenge string, challenge ref, same TTL
type RedisStore struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// Ensure RedisStore satisfies the interface
var _ domain.MatchQueue = (*RedisStore)(nil)

// NewRedisStore returns a Redis-backed queue store.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "codeduel"
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 12 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 10 * time.Millisecond
	}
	return &RedisStore{client: client, opts: opts, now: time.Now}
}

func (s *RedisStore) queueKey(queueID string) string {
	return s.opts.Prefix + ":queue:" + queueID
}

func (s *RedisStore) pendingKey(pendingID string) string {
	return s.opts.Prefix + ":pending:" + pendingID
}

func (s *RedisStore) challengeKey(pendingID string) string {
	return s.opts.Prefix + ":pending:" + pendingID + ":challenge"
}

// PendingTTL returns the configured pending match lifetime.
func (s *RedisStore) PendingTTL() time.Duration {
	return s.opts.PendingTTL
}

// Enqueue adds the user with ZADD NX so a repeated join keeps the original position.
func (s *RedisStore) Enqueue(ctx context.Context, queueID, userID string) error {
	if queueID == "" || userID == "" {
		return nil
	}
	err := s.client.ZAddNX(ctx, s.queueKey(queueID), redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: userID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queueID, err)
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, queueID, userID string) error {
	if queueID == "" || userID == "" {
		return nil
	}
	if err := s.client.ZRem(ctx, s.queueKey(queueID), userID).Err(); err != nil {
		return fmt.Errorf("dequeue %s: %w", queueID, err)
	}
	return nil
}

func (s *RedisStore) Size(ctx context.Context, queueID string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.queueKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", queueID, err)
	}
	return n, nil
}

// TryPop WATCHes the queue, checks its size and pops inside MULTI/EXEC.
// A concurrent write to the queue aborts the pop with ErrCoordinationConflict
// and leaves membership untouched.
func (s *RedisStore) TryPop(ctx context.Context, queueID string, n int) ([]string, error) {
	if n < 1 {
		return nil, nil
	}
	key := s.queueKey(queueID)

	var popped []string
	txf := func(tx *redis.Tx) error {
		popped = nil
		size, err := tx.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if size < int64(n) {
			return nil
		}

		var pop *redis.ZSliceCmd
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			pop = p.ZPopMin(ctx, key, int64(n))
			return nil
		})
		if err != nil {
			return err
		}
		for _, z := range pop.Val() {
			if m, ok := z.Member.(string); ok {
				popped = append(popped, m)
			}
		}
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, domain.ErrCoordinationConflict
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queueID, err)
	}
	return popped, nil
}

// CreatePending writes the member hash and its TTL in one transaction.
func (s *RedisStore) CreatePending(ctx context.Context, pendingID, challengeRef string, members []string) (bool, error) {
	if pendingID == "" || len(members) == 0 {
		return false, nil
	}
	key := s.pendingKey(pendingID)

	fields := make([]any, 0, 2*len(members))
	for _, m := range members {
		fields = append(fields, m, unacceptedFlag)
	}

	created := false
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fields...)
			p.Expire(ctx, key, s.opts.PendingTTL)
			p.Set(ctx, s.challengeKey(pendingID), challengeRef, s.opts.PendingTTL)
			return nil
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create pending %s: %w", pendingID, err)
	}
	return created, nil
}

// MarkAccepted sets the member's flag and reads the record back inside one
// MULTI/EXEC. Optimistic-lock conflicts are retried with a linear backoff up
// to MaxRetries, then reported as ErrCoordinationConflict.
func (s *RedisStore) MarkAccepted(ctx context.Context, pendingID, userID string) (domain.Acceptance, error) {
	if pendingID == "" || userID == "" {
		return domain.Acceptance{}, nil
	}
	key := s.pendingKey(pendingID)

	var out domain.Acceptance
	txf := func(tx *redis.Tx) error {
		out = domain.Acceptance{}

		member, err := tx.HExists(ctx, key, userID).Result()
		if err != nil {
			return err
		}
		if !member {
			return nil
		}
		// Re-applied after HSET so a record expiring mid-transaction cannot be
		// resurrected without a TTL.
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = s.opts.PendingTTL
		}

		var all *redis.MapStringStringCmd
		var ref *redis.StringCmd
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, userID, acceptedFlag)
			p.PExpire(ctx, key, ttl)
			all = p.HGetAll(ctx, key)
			ref = p.Get(ctx, s.challengeKey(pendingID))
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		flags := all.Val()
		out.Members = sortedMembers(flags)
		out.ChallengeRef = ref.Val()
		out.AllAccepted = len(flags) > 0
		for _, v := range flags {
			if v != acceptedFlag {
				out.AllAccepted = false
				break
			}
		}
		return nil
	}

	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.Acceptance{}, fmt.Errorf("accept %s: %w", pendingID, err)
		}

		select {
		case <-ctx.Done():
			return domain.Acceptance{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * s.opts.RetryBackoff):
		}
	}
	return domain.Acceptance{}, fmt.Errorf("accept %s: %w", pendingID, domain.ErrCoordinationConflict)
}

func (s *RedisStore) ReadPending(ctx context.Context, pendingID string) (map[string]bool, error) {
	flags, err := s.client.HGetAll(ctx, s.pendingKey(pendingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending %s: %w", pendingID, err)
	}
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(flags))
	for m, v := range flags {
		out[m] = v == acceptedFlag
	}
	return out, nil
}

// DeletePending removes the record. Only the caller that actually removed the
// member hash gets true back.
func (s *RedisStore) DeletePending(ctx context.Context, pendingID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.pendingKey(pendingID))
		p.Del(ctx, s.challengeKey(pendingID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete pending %s: %w", pendingID, err)
	}
	return del.Val() == 1, nil
}

func sortedMembers(flags map[string]string) []string {
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for m := range flags {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
