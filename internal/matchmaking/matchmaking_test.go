package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/codeduel/internal/domain"
	"github.com/dontdude/codeduel/internal/platform/store"
	"github.com/redis/go-redis/v9"
)

type emitted struct {
	userID, event string
	payload       any
}

type fakeNotifier struct {
	mu    sync.Mutex
	emits []emitted
}

func (f *fakeNotifier) EmitToUser(_ context.Context, userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{userID: userID, event: event, payload: payload})
	return nil
}

func (f *fakeNotifier) EmitToRoom(context.Context, string, string, any) error { return nil }

func (f *fakeNotifier) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeSessions struct {
	mu      sync.Mutex
	created [][]string
	refs    []string
	err     error
}

func (f *fakeSessions) CreateSession(_ context.Context, challengeRef string, members []string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Session{}, f.err
	}
	f.created = append(f.created, members)
	f.refs = append(f.refs, challengeRef)
	return domain.Session{ID: "session-1", ChallengeRef: challengeRef, MemberIDs: members}, nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fixture struct {
	store      *store.RedisStore
	mr         *miniredis.Miniredis
	registry   *Registry
	notifier   *fakeNotifier
	sessions   *fakeSessions
	matchmaker *Matchmaker
	negotiator *Negotiator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store:    store.NewRedisStore(client, store.Options{Prefix: "test", PendingTTL: 12 * time.Second}),
		mr:       mr,
		registry: NewRegistry(),
		notifier: &fakeNotifier{},
		sessions: &fakeSessions{},
	}
	f.matchmaker = NewMatchmaker(f.store, f.registry, f.notifier, time.Hour)
	f.matchmaker.newID = func() string { return "pending-1" }
	f.negotiator = NewNegotiator(f.store, f.sessions, f.notifier)
	return f
}

func TestMatchToSessionFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.matchmaker.Join(ctx, "queue1", "userA", 2); err != nil {
		t.Fatal(err)
	}
	if err := f.matchmaker.Join(ctx, "queue1", "userB", 2); err != nil {
		t.Fatal(err)
	}

	if ran := f.matchmaker.Tick(ctx); !ran {
		t.Fatal("tick should have run")
	}

	proposals := f.notifier.byEvent(domain.EventMatchProposed)
	if len(proposals) != 2 {
		t.Fatalf("expected both members notified, got %d", len(proposals))
	}
	p, ok := proposals[0].payload.(Proposal)
	if !ok || p.PendingID != "pending-1" {
		t.Fatalf("unexpected proposal payload: %#v", proposals[0].payload)
	}

	flags, _ := f.store.ReadPending(ctx, "pending-1")
	if len(flags) != 2 || flags["userA"] || flags["userB"] {
		t.Fatalf("pending record: %v", flags)
	}
	if n, _ := f.store.Size(ctx, "queue1"); n != 0 {
		t.Fatalf("queue should be drained, size=%d", n)
	}

	if err := f.negotiator.Accept(ctx, "pending-1", "userA"); err != nil {
		t.Fatal(err)
	}
	if f.sessions.count() != 0 {
		t.Fatal("session created before userB accepted")
	}
	flags, _ = f.store.ReadPending(ctx, "pending-1")
	if !flags["userA"] || flags["userB"] {
		t.Fatalf("after first accept: %v", flags)
	}

	if err := f.negotiator.Accept(ctx, "pending-1", "userB"); err != nil {
		t.Fatal(err)
	}
	if f.sessions.count() != 1 {
		t.Fatalf("expected one session, got %d", f.sessions.count())
	}
	if f.sessions.refs[0] != "queue1" {
		t.Errorf("session challenge ref: %q", f.sessions.refs[0])
	}
	if flags, _ := f.store.ReadPending(ctx, "pending-1"); flags != nil {
		t.Fatalf("pending record should be gone: %v", flags)
	}
}

func TestUnderSubscribedQueueIsDeactivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.matchmaker.Join(ctx, "queue1", "userA", 2)
	f.matchmaker.Tick(ctx)

	if _, ok := f.registry.Size("queue1"); ok {
		t.Fatal("under-subscribed queue should be dropped from the registry")
	}
	if n, _ := f.store.Size(ctx, "queue1"); n != 1 {
		t.Fatalf("waiting member must stay queued, size=%d", n)
	}

	// The next join re-registers it.
	_ = f.matchmaker.Join(ctx, "queue1", "userB", 2)
	if size, ok := f.registry.Size("queue1"); !ok || size != 2 {
		t.Fatalf("queue not re-registered: %d %v", size, ok)
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.matchmaker.Join(ctx, "queue1", "userA", 2)
	if err := f.matchmaker.Leave(ctx, "queue1", "userA"); err != nil {
		t.Fatal(err)
	}
	if err := f.matchmaker.Leave(ctx, "queue1", "userA"); err != nil {
		t.Fatalf("second leave must be a no-op: %v", err)
	}
	if n, _ := f.store.Size(ctx, "queue1"); n != 0 {
		t.Fatalf("size=%d", n)
	}
}

// blockingStore holds TryPop open until release is closed.
type blockingStore struct {
	domain.MatchQueue
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) TryPop(ctx context.Context, queueID string, n int) ([]string, error) {
	b.entered <- struct{}{}
	<-b.release
	return nil, nil
}

func TestTickSkipsWhileRunning(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	registry := NewRegistry()
	registry.Activate("queue1", 2)
	m := NewMatchmaker(bs, registry, &fakeNotifier{}, time.Hour)
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- m.Tick(ctx) }()
	<-bs.entered

	if m.Tick(ctx) {
		t.Fatal("overlapping tick must be skipped")
	}

	close(bs.release)
	if !<-done {
		t.Fatal("first tick should report it ran")
	}
	registry.Activate("queue1", 2)
	go func() { <-bs.entered }()
	if !m.Tick(ctx) {
		t.Fatal("tick after completion should run")
	}
}

// flakyStore fails TryPop for one queue only.
type flakyStore struct {
	*store.RedisStore
	failQueue string
}

func (s *flakyStore) TryPop(ctx context.Context, queueID string, n int) ([]string, error) {
	if queueID == s.failQueue {
		return nil, errors.New("connection reset")
	}
	return s.RedisStore.TryPop(ctx, queueID, n)
}

func TestStoreFailureIsolatedToOneQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := &flakyStore{RedisStore: f.store, failQueue: "bad"}
	m := NewMatchmaker(fs, f.registry, f.notifier, time.Hour)

	for _, q := range []string{"bad", "good"} {
		_ = m.Join(ctx, q, q+"-userA", 2)
		_ = m.Join(ctx, q, q+"-userB", 2)
	}
	m.Tick(ctx)

	if got := len(f.notifier.byEvent(domain.EventMatchProposed)); got != 2 {
		t.Fatalf("good queue should still match, got %d proposals", got)
	}
	if _, ok := f.registry.Size("bad"); !ok {
		t.Fatal("failed queue must stay registered")
	}
	if n, _ := f.store.Size(ctx, "bad"); n != 2 {
		t.Fatalf("failed queue membership changed: %d", n)
	}
}

func TestConcurrentAcceptProvisionsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	members := []string{"userA", "userB", "userC"}
	_, _ = f.store.CreatePending(ctx, "pending-1", "queue1", members)

	var wg sync.WaitGroup
	for _, m := range members {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				if err := f.negotiator.Accept(ctx, "pending-1", user); err != nil {
					t.Errorf("accept %s: %v", user, err)
				}
			}(m)
		}
	}
	wg.Wait()

	if f.sessions.count() != 1 {
		t.Fatalf("expected exactly one session, got %d", f.sessions.count())
	}
}

func TestAcceptIgnoresStrangersAndExpiredMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.store.CreatePending(ctx, "pending-1", "queue1", []string{"userA"})

	if err := f.negotiator.Accept(ctx, "pending-1", "mallory"); err != nil {
		t.Fatal(err)
	}
	if f.sessions.count() != 0 {
		t.Fatal("stranger must not complete the match")
	}

	f.mr.FastForward(13 * time.Second)
	if err := f.negotiator.Accept(ctx, "pending-1", "userA"); err != nil {
		t.Fatal(err)
	}
	if f.sessions.count() != 0 {
		t.Fatal("expired match must not create a session")
	}
}

func TestDeclineTearsDownAndNotifiesEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.store.CreatePending(ctx, "pending-1", "queue1", []string{"userA", "userB"})

	if err := f.negotiator.Decline(ctx, "pending-1", "mallory"); err != nil {
		t.Fatal(err)
	}
	if flags, _ := f.store.ReadPending(ctx, "pending-1"); flags == nil {
		t.Fatal("decline by a non-member must be ignored")
	}

	if err := f.negotiator.Decline(ctx, "pending-1", "userB"); err != nil {
		t.Fatal(err)
	}
	if flags, _ := f.store.ReadPending(ctx, "pending-1"); flags != nil {
		t.Fatalf("pending record should be gone: %v", flags)
	}

	declined := f.notifier.byEvent(domain.EventMatchDeclined)
	if len(declined) != 2 {
		t.Fatalf("expected both members notified, got %d", len(declined))
	}
	if n, _ := f.store.Size(ctx, "queue1"); n != 0 {
		t.Fatalf("members must not be re-queued, size=%d", n)
	}

	// Accepting after a decline does nothing.
	_ = f.negotiator.Accept(ctx, "pending-1", "userA")
	if f.sessions.count() != 0 {
		t.Fatal("no session after decline")
	}
}

func TestProvisionFailureReleasesEveryMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.err = errors.New("database is locked")

	_, _ = f.store.CreatePending(ctx, "pending-1", "queue1", []string{"userA", "userB"})

	if err := f.negotiator.Accept(ctx, "pending-1", "userA"); err != nil {
		t.Fatal(err)
	}
	if err := f.negotiator.Accept(ctx, "pending-1", "userB"); err == nil {
		t.Fatal("expected the provisioning error to reach the last accepter")
	}

	declined := f.notifier.byEvent(domain.EventMatchDeclined)
	if len(declined) != 2 {
		t.Fatalf("expected both members released, got %d", len(declined))
	}
	seen := map[string]bool{}
	for _, d := range declined {
		seen[d.userID] = true
		if p, ok := d.payload.(Declined); !ok || p.PendingID != "pending-1" {
			t.Errorf("unexpected payload: %#v", d.payload)
		}
	}
	if !seen["userA"] || !seen["userB"] {
		t.Fatalf("declined recipients: %v", seen)
	}
	if flags, _ := f.store.ReadPending(ctx, "pending-1"); flags != nil {
		t.Fatalf("pending record should be gone: %v", flags)
	}
}
