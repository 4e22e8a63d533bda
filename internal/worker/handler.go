package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/dontdude/codeduel/internal/execution"
)

// Executor runs a validated job in a sandbox.
type Executor interface {
	Execute(ctx context.Context, job domain.ExecutionJob) (domain.ExecutionResult, error)
}

// JobHandler turns one job delivery into one result message on the results
// stream, carrying the same correlation id. Failures become {error} results.
type JobHandler struct {
	jobs     domain.Stream
	results  domain.Stream
	executor Executor
	acker    execution.Acknowledger
}

func NewJobHandler(jobs, results domain.Stream, executor Executor) *JobHandler {
	return &JobHandler{jobs: jobs, results: results, executor: executor, acker: execution.AlwaysAck{}}
}

func (h *JobHandler) Handle(ctx context.Context, msg domain.Message) {
	res, procErr := h.process(ctx, msg)
	if procErr != nil {
		slog.Info("Execution job failed", "sessionID", msg.CorrelationID, "error", procErr)
		res = domain.ExecutionResult{Error: domain.UserMessage(procErr)}
	}

	pubErr := h.publish(ctx, msg.CorrelationID, res)
	if pubErr != nil {
		slog.Error("Failed to publish result", "sessionID", msg.CorrelationID, "error", pubErr)
		if procErr == nil {
			procErr = pubErr
		}
	}

	if err := h.acker.Settle(ctx, h.jobs, msg, procErr); err != nil {
		slog.Error("Failed to settle job", "msgID", msg.ID, "error", err)
	}
}

func (h *JobHandler) process(ctx context.Context, msg domain.Message) (domain.ExecutionResult, error) {
	var job domain.ExecutionJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return domain.ExecutionResult{}, &domain.ValidationError{Field: "body", Message: "Malformed execution request."}
	}
	job.SessionID = msg.CorrelationID

	if err := execution.Validate(job); err != nil {
		return domain.ExecutionResult{}, err
	}
	return h.executor.Execute(ctx, job)
}

func (h *JobHandler) publish(ctx context.Context, correlationID string, res domain.ExecutionResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return h.results.Publish(ctx, correlationID, body)
}
