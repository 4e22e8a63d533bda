package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/google/uuid"
)

// Created is the payload of the sessionCreated event.
type Created struct {
	SessionID string `json:"sessionId"`
}

// Provisioner creates session records for confirmed matches and tells the
// members about them.
type Provisioner struct {
	repo     domain.SessionRepository
	notifier domain.Notifier
	now      func() time.Time
}

func NewProvisioner(repo domain.SessionRepository, notifier domain.Notifier) *Provisioner {
	return &Provisioner{repo: repo, notifier: notifier, now: time.Now}
}

// CreateSession persists a shared session and notifies each member by user id,
// so members that are not watching any room still get the signal.
// Notification failures are logged; the session exists either way.
func (p *Provisioner) CreateSession(ctx context.Context, challengeRef string, memberIDs []string) (domain.Session, error) {
	if len(memberIDs) == 0 {
		return domain.Session{}, &domain.ValidationError{Field: "members", Message: "A session needs at least one member."}
	}

	s := domain.Session{
		ID:           uuid.NewString(),
		ChallengeRef: challengeRef,
		MemberIDs:    memberIDs,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.repo.Create(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Session created", "sessionID", s.ID, "challenge", challengeRef, "members", len(memberIDs))

	for _, m := range memberIDs {
		if err := p.notifier.EmitToUser(ctx, m, domain.EventSessionCreated, Created{SessionID: s.ID}); err != nil {
			slog.Error("Failed to notify member of session", "sessionID", s.ID, "userID", m, "error", err)
		}
	}
	return s, nil
}

// CreatePrivateSession starts a solo session without matchmaking.
func (p *Provisioner) CreatePrivateSession(ctx context.Context, challengeRef, userID string) (domain.Session, error) {
	if challengeRef == "" {
		return domain.Session{}, &domain.ValidationError{Field: "challengeRef", Message: "Please provide the challenge to start."}
	}
	if userID == "" {
		return domain.Session{}, &domain.ValidationError{Field: "userId", Message: "A user is required to start a session."}
	}

	s := domain.Session{
		ID:           uuid.NewString(),
		ChallengeRef: challengeRef,
		Private:      true,
		MemberIDs:    []string{userID},
		CreatedAt:    p.now().UTC(),
	}
	if err := p.repo.Create(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("create private session: %w", err)
	}
	return s, nil
}

func (p *Provisioner) Get(ctx context.Context, id string) (domain.Session, error) {
	return p.repo.Get(ctx, id)
}

// MarkCompleted flags a session as solved. Calling it twice is harmless.
func (p *Provisioner) MarkCompleted(ctx context.Context, id string) error {
	if err := p.repo.MarkCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	slog.Info("Session completed", "sessionID", id)
	return nil
}
