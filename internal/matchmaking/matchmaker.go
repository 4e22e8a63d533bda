package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/google/uuid"
)

// DefaultGroupSize is used when a client joins a queue without a size.
const DefaultGroupSize = 2

// Proposal is the payload of the matchProposed event. ExpiresAt comes from the
// same TTL the store applies, so client countdowns and store expiry agree.
type Proposal struct {
	PendingID string    `json:"pendingId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Matchmaker drains active queues into pending matches on a fixed interval.
type Matchmaker struct {
	store    domain.MatchQueue
	registry *Registry
	notifier domain.Notifier
	interval time.Duration

	// running guards against overlapping ticks.
	running atomic.Bool

	newID func() string
	now   func() time.Time
}

func NewMatchmaker(store domain.MatchQueue, registry *Registry, notifier domain.Notifier, interval time.Duration) *Matchmaker {
	return &Matchmaker{
		store:    store,
		registry: registry,
		notifier: notifier,
		interval: interval,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Join enqueues userID into queueID and marks the queue active with groupSize.
func (m *Matchmaker) Join(ctx context.Context, queueID, userID string, groupSize int) error {
	if queueID == "" || userID == "" {
		return nil
	}
	if groupSize < 1 {
		groupSize = DefaultGroupSize
	}
	if err := m.store.Enqueue(ctx, queueID, userID); err != nil {
		return err
	}
	m.registry.Activate(queueID, groupSize)
	return nil
}

// Leave removes userID from queueID. It is idempotent.
func (m *Matchmaker) Leave(ctx context.Context, queueID, userID string) error {
	return m.store.Dequeue(ctx, queueID, userID)
}

// Run ticks every interval until ctx is cancelled. Each tick runs in its own
// goroutine; a tick that fires while the previous one is still draining is
// skipped, not queued.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("Matchmaker started", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Matchmaker stopped")
			return
		case <-ticker.C:
			go m.Tick(ctx)
		}
	}
}

// Tick drains every active queue once, concurrently. It returns false when
// another tick was still in flight and this one was skipped.
func (m *Matchmaker) Tick(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		slog.Debug("Matchmaker tick skipped, previous tick still running")
		return false
	}
	defer m.running.Store(false)

	var wg sync.WaitGroup
	for queueID, size := range m.registry.Snapshot() {
		wg.Add(1)
		go func(queueID string, size int) {
			defer wg.Done()
			m.drain(ctx, queueID, size)
		}(queueID, size)
	}
	wg.Wait()
	return true
}

// drain attempts one match for queueID. Store failures abort only this queue
// for this tick.
func (m *Matchmaker) drain(ctx context.Context, queueID string, size int) {
	members, err := m.store.TryPop(ctx, queueID, size)
	if err != nil {
		if errors.Is(err, domain.ErrCoordinationConflict) {
			slog.Debug("Queue changed during pop, retrying next tick", "queueID", queueID)
		} else {
			slog.Error("Failed to pop queue", "queueID", queueID, "error", err)
		}
		return
	}

	// Under-subscribed: the queue loses its active registration until the
	// next Join re-registers it.
	if len(members) == 0 {
		m.registry.Remove(queueID)
		return
	}

	pendingID := m.newID()
	created, err := m.store.CreatePending(ctx, pendingID, queueID, members)
	if err != nil || !created {
		slog.Error("Failed to create pending match, returning members to queue",
			"queueID", queueID, "pendingID", pendingID, "error", err)
		m.requeue(ctx, queueID, members)
		return
	}

	slog.Info("Match proposed", "queueID", queueID, "pendingID", pendingID, "members", len(members))

	proposal := Proposal{PendingID: pendingID, ExpiresAt: m.now().Add(m.store.PendingTTL()).UTC()}
	for _, userID := range members {
		if err := m.notifier.EmitToUser(ctx, userID, domain.EventMatchProposed, proposal); err != nil {
			slog.Error("Failed to notify member of match", "pendingID", pendingID, "userID", userID, "error", err)
		}
	}
}

func (m *Matchmaker) requeue(ctx context.Context, queueID string, members []string) {
	for _, userID := range members {
		if err := m.store.Enqueue(ctx, queueID, userID); err != nil {
			slog.Error("Failed to requeue member", "queueID", queueID, "userID", userID, "error", err)
		}
	}
}
