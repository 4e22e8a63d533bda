package domain

import (
	"context"
	"time"
)

// Session is the persisted record of a live paired or solo challenge instance.
type Session struct {
	ID           string    `json:"id" db:"session_id"`
	ChallengeRef string    `json:"challengeRef" db:"challenge_ref"`
	Private      bool      `json:"private" db:"private"`
	Completed    bool      `json:"completed" db:"completed"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	MemberIDs    []string  `json:"memberIds" db:"-"`
}

// HasMember reports whether userID belongs to the session.
func (s Session) HasMember(userID string) bool {
	for _, m := range s.MemberIDs {
		if m == userID {
			return true
		}
	}
	return false
}

// SessionRepository persists session records.
type SessionRepository interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// MarkCompleted is one-way and idempotent.
	MarkCompleted(ctx context.Context, id string) error
}

// Notifier delivers realtime events to users and rooms, wherever they are connected.
type Notifier interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
	EmitToRoom(ctx context.Context, roomID, event string, payload any) error
}
