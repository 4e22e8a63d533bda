package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/codeduel/internal/domain"
)

// Completer marks a session as solved.
type Completer interface {
	MarkCompleted(ctx context.Context, sessionID string) error
}

// Acknowledger decides what happens to a delivery once it has been handled.
type Acknowledger interface {
	Settle(ctx context.Context, stream domain.Stream, msg domain.Message, procErr error) error
}

// AlwaysAck acknowledges every delivery whatever the outcome, so a poison
// message is never redelivered. A crash before Settle drops the result.
type AlwaysAck struct{}

func (AlwaysAck) Settle(ctx context.Context, stream domain.Stream, msg domain.Message, procErr error) error {
	if procErr != nil {
		slog.Warn("Acknowledging failed delivery", "msgID", msg.ID, "correlationID", msg.CorrelationID, "error", procErr)
	}
	return stream.Ack(ctx, msg.ID)
}

// Completed is the payload of the executionCompleted event.
type Completed struct {
	Tests   []domain.TestResult `json:"tests,omitempty"`
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
}

// Correlator routes results from the results stream back to the session room.
type Correlator struct {
	stream    domain.Stream
	notifier  domain.Notifier
	completer Completer
	acker     Acknowledger
}

func NewCorrelator(stream domain.Stream, notifier domain.Notifier, completer Completer) *Correlator {
	return &Correlator{stream: stream, notifier: notifier, completer: completer, acker: AlwaysAck{}}
}

// WithAcknowledger swaps the acknowledgement policy.
func (c *Correlator) WithAcknowledger(a Acknowledger) *Correlator {
	c.acker = a
	return c
}

// Handle relays one result to the room named by its correlation id. An
// execution error is relayed verbatim and completes nothing.
func (c *Correlator) Handle(ctx context.Context, msg domain.Message) error {
	var res domain.ExecutionResult
	if err := json.Unmarshal(msg.Body, &res); err != nil {
		return fmt.Errorf("decode result %s: %w", msg.ID, err)
	}
	res.CorrelationID = msg.CorrelationID
	sessionID := res.CorrelationID

	if res.Error != "" {
		slog.Info("Execution failed", "sessionID", sessionID, "error", res.Error)
		return c.notifier.EmitToRoom(ctx, sessionID, domain.EventExecutionCompleted, Completed{Error: res.Error})
	}

	if err := c.notifier.EmitToRoom(ctx, sessionID, domain.EventExecutionCompleted, Completed{Tests: res.Tests, Success: res.Success}); err != nil {
		slog.Error("Failed to relay execution result", "sessionID", sessionID, "error", err)
	}

	if res.AllPassed() {
		if err := c.completer.MarkCompleted(ctx, sessionID); err != nil {
			return fmt.Errorf("complete session %s: %w", sessionID, err)
		}
	}
	return nil
}

// Run consumes the results stream until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) error {
	msgs, err := c.stream.Consume(ctx)
	if err != nil {
		return err
	}

	slog.Info("Execution correlator started")
	for msg := range msgs {
		procErr := c.Handle(ctx, msg)
		if procErr != nil {
			slog.Error("Failed to handle execution result", "msgID", msg.ID, "correlationID", msg.CorrelationID, "error", procErr)
		}
		if err := c.acker.Settle(ctx, c.stream, msg, procErr); err != nil {
			slog.Error("Failed to settle delivery", "msgID", msg.ID, "error", err)
		}
	}
	slog.Info("Execution correlator stopped")
	return nil
}
