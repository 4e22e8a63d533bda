package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/codeduel/internal/domain"
	"github.com/dontdude/codeduel/internal/platform/queue"
	"github.com/redis/go-redis/v9"
)

type memStream struct {
	mu        sync.Mutex
	published []domain.Message
	acked     []string
	failPub   error
}

func (s *memStream) Publish(_ context.Context, correlationID string, body []byte) error {
	if s.failPub != nil {
		return s.failPub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, domain.Message{CorrelationID: correlationID, Body: body})
	return nil
}

func (s *memStream) Consume(context.Context) (<-chan domain.Message, error) {
	return nil, errors.New("not supported")
}

func (s *memStream) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

type roomEmit struct {
	room, event string
	payload     any
}

type fakeNotifier struct {
	mu    sync.Mutex
	rooms []roomEmit
}

func (f *fakeNotifier) EmitToUser(context.Context, string, string, any) error { return nil }

func (f *fakeNotifier) EmitToRoom(_ context.Context, roomID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomEmit{room: roomID, event: event, payload: payload})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

type fakeCompleter struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeCompleter) MarkCompleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func validJob() domain.ExecutionJob {
	return domain.ExecutionJob{
		SessionID:    "session-1",
		Code:         "function main(a, b) { return a + b }",
		Language:     "node",
		ChallengeRef: "challenge1",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ExecutionJob)
		field  string
	}{
		{"valid", func(*domain.ExecutionJob) {}, ""},
		{"missing session", func(j *domain.ExecutionJob) { j.SessionID = "" }, "sessionId"},
		{"missing language", func(j *domain.ExecutionJob) { j.Language = "" }, "language"},
		{"missing code", func(j *domain.ExecutionJob) { j.Code = "  " }, "code"},
		{"no main function", func(j *domain.ExecutionJob) { j.Code = "const x = 1" }, "code"},
		{"missing challenge", func(j *domain.ExecutionJob) { j.ChallengeRef = "" }, "challengeRef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(&job)
			err := Validate(job)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestDispatchPublishesWithSessionCorrelation(t *testing.T) {
	s := &memStream{}
	d := NewDispatcher(s)

	if err := d.Dispatch(context.Background(), validJob()); err != nil {
		t.Fatal(err)
	}
	if len(s.published) != 1 {
		t.Fatalf("expected one message, got %d", len(s.published))
	}
	msg := s.published[0]
	if msg.CorrelationID != "session-1" {
		t.Errorf("correlation id: %q", msg.CorrelationID)
	}

	var body map[string]string
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["challengeRef"] != "challenge1" || body["language"] != "node" || body["code"] == "" {
		t.Errorf("body: %v", body)
	}
	if _, ok := body["sessionId"]; ok {
		t.Error("session id must travel only as the correlation key")
	}
}

func TestDispatchRejectsInvalidJobs(t *testing.T) {
	s := &memStream{}
	job := validJob()
	job.Code = "print('hi')"

	err := NewDispatcher(s).Dispatch(context.Background(), job)
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(s.published) != 0 {
		t.Fatal("invalid job must not be published")
	}
}

func TestDispatchSurfacesPublishFailure(t *testing.T) {
	s := &memStream{failPub: errors.New("broker down")}
	err := NewDispatcher(s).Dispatch(context.Background(), validJob())
	if err == nil || domain.IsValidation(err) {
		t.Fatalf("expected dispatch failure, got %v", err)
	}
}

func resultMsg(t *testing.T, res domain.ExecutionResult) domain.Message {
	t.Helper()
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	return domain.Message{ID: "1-0", CorrelationID: "session-1", Body: body}
}

func TestHandleAllPassedCompletesSession(t *testing.T) {
	n, c := &fakeNotifier{}, &fakeCompleter{}
	corr := NewCorrelator(&memStream{}, n, c)

	msg := resultMsg(t, domain.ExecutionResult{
		Tests:   []domain.TestResult{{Name: "adds", Passed: true}},
		Success: true,
	})
	if err := corr.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if len(n.rooms) != 1 || n.rooms[0].room != "session-1" || n.rooms[0].event != domain.EventExecutionCompleted {
		t.Fatalf("emits: %+v", n.rooms)
	}
	if got := n.rooms[0].payload.(Completed); !got.Success || len(got.Tests) != 1 {
		t.Errorf("payload: %+v", got)
	}
	if len(c.completed) != 1 || c.completed[0] != "session-1" {
		t.Errorf("completed: %v", c.completed)
	}
}

func TestHandleFailingTestsDoNotComplete(t *testing.T) {
	n, c := &fakeNotifier{}, &fakeCompleter{}
	corr := NewCorrelator(&memStream{}, n, c)

	msg := resultMsg(t, domain.ExecutionResult{
		Tests: []domain.TestResult{
			{Name: "adds", Passed: true},
			{Name: "negatives", Passed: false, Message: "expected -1"},
		},
	})
	if err := corr.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(c.completed) != 0 {
		t.Fatal("session must not complete on failing tests")
	}
	if n.count() != 1 {
		t.Fatalf("results should still be relayed, got %d emits", n.count())
	}
}

func TestHandleErrorIsRelayedVerbatim(t *testing.T) {
	n, c := &fakeNotifier{}, &fakeCompleter{}
	corr := NewCorrelator(&memStream{}, n, c)

	msg := resultMsg(t, domain.ExecutionResult{Error: "Challenge does not exist."})
	if err := corr.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	got := n.rooms[0].payload.(Completed)
	if got.Error != "Challenge does not exist." || got.Success {
		t.Errorf("payload: %+v", got)
	}
	if len(c.completed) != 0 {
		t.Fatal("errors never complete a session")
	}
}

func TestAlwaysAckSettlesFailures(t *testing.T) {
	s := &memStream{}
	msg := domain.Message{ID: "7-0", CorrelationID: "session-1"}
	if err := (AlwaysAck{}).Settle(context.Background(), s, msg, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if len(s.acked) != 1 || s.acked[0] != "7-0" {
		t.Fatalf("acked: %v", s.acked)
	}
}

func TestCorrelatorRunOverRedisStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	results := queue.NewRedisStream(client, "test:results", "test:correlators")
	n, c := &fakeNotifier{}, &fakeCompleter{}
	corr := NewCorrelator(results, n, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- corr.Run(ctx) }()

	// One poison body and one real result; both end up acknowledged.
	_ = results.Publish(ctx, "session-1", []byte("not json"))
	body, _ := json.Marshal(domain.ExecutionResult{Tests: []domain.TestResult{{Name: "adds", Passed: true}}, Success: true})
	_ = results.Publish(ctx, "session-1", body)

	deadline := time.Now().Add(5 * time.Second)
	for n.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n.count() != 1 {
		t.Fatalf("expected one relayed result, got %d", n.count())
	}

	for time.Now().Before(deadline) {
		pending, err := client.XPending(ctx, "test:results", "test:correlators").Result()
		if err == nil && pending.Count == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	pending, err := client.XPending(ctx, "test:results", "test:correlators").Result()
	if err != nil || pending.Count != 0 {
		t.Fatalf("deliveries left unacknowledged: %+v %v", pending, err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("correlator did not stop")
	}
}
