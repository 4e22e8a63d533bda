package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/codeduel/internal/domain"
)

// Dispatcher publishes execution jobs to the jobs stream.
type Dispatcher struct {
	stream domain.Stream
}

func NewDispatcher(stream domain.Stream) *Dispatcher {
	return &Dispatcher{stream: stream}
}

// Dispatch validates job and publishes {code, language, challengeRef} with the
// session id as correlation key. Validation errors are returned as-is and
// nothing is published.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.ExecutionJob) error {
	if err := Validate(job); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := d.stream.Publish(ctx, job.SessionID, body); err != nil {
		return fmt.Errorf("dispatch job for session %s: %w", job.SessionID, err)
	}

	slog.Info("Execution job dispatched", "sessionID", job.SessionID, "language", job.Language)
	return nil
}
