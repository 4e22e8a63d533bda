package domain

import (
	"context"
	"time"
)

// MatchQueue defines the contract for the matchmaking queue store.
// Implementations must make TryPop and MarkAccepted atomic across processes.
type MatchQueue interface {
	// Enqueue adds userID to queueID if it is not already a member.
	Enqueue(ctx context.Context, queueID, userID string) error

	// Dequeue removes userID from queueID. Removing an absent member is not an error.
	Dequeue(ctx context.Context, queueID, userID string) error

	// Size returns the number of members waiting in queueID.
	Size(ctx context.Context, queueID string) (int64, error)

	// TryPop pops exactly n of the earliest members, or nothing when fewer than n are waiting.
	TryPop(ctx context.Context, queueID string, n int) ([]string, error)

	// CreatePending stores a proposed match with every member unaccepted.
	// It returns false when members is empty or pendingID already exists.
	CreatePending(ctx context.Context, pendingID, challengeRef string, members []string) (bool, error)

	// MarkAccepted flips userID to accepted and reads back the whole record in one transaction.
	MarkAccepted(ctx context.Context, pendingID, userID string) (Acceptance, error)

	// ReadPending returns member -> accepted, or nil when the record does not exist.
	ReadPending(ctx context.Context, pendingID string) (map[string]bool, error)

	// DeletePending removes the record and reports whether this call removed it.
	DeletePending(ctx context.Context, pendingID string) (bool, error)

	// PendingTTL is how long an unresolved pending match lives.
	PendingTTL() time.Duration
}

// Acceptance is the state read back after a member accepts a pending match.
type Acceptance struct {
	AllAccepted  bool
	Members      []string
	ChallengeRef string
}

// Message is a single broker delivery. CorrelationID routes a response back to
// the session that requested it.
type Message struct {
	// ID is the broker-internal delivery id (a Redis Stream entry id), used to acknowledge.
	ID            string
	CorrelationID string
	Body          []byte
}

// Stream defines the contract for one direction of the execution pipeline.
// It decouples the application from the underlying message broker.
type Stream interface {
	// Publish appends body to the stream under correlationID.
	Publish(ctx context.Context, correlationID string, body []byte) error

	// Consume returns a read-only channel of deliveries for this consumer group.
	Consume(ctx context.Context) (<-chan Message, error)

	// Ack removes a delivery from the pending entries list.
	Ack(ctx context.Context, msgID string) error
}
