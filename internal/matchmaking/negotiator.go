package matchmaking

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dontdude/codeduel/internal/domain"
)

// SessionCreator is the part of the session provisioner the negotiator needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, challengeRef string, memberIDs []string) (domain.Session, error)
}

// Declined is the payload of the matchDeclined event.
type Declined struct {
	PendingID string `json:"pendingId"`
}

// Negotiator resolves pending matches through accept and decline.
type Negotiator struct {
	store    domain.MatchQueue
	sessions SessionCreator
	notifier domain.Notifier
}

func NewNegotiator(store domain.MatchQueue, sessions SessionCreator, notifier domain.Notifier) *Negotiator {
	return &Negotiator{store: store, sessions: sessions, notifier: notifier}
}

// Accept marks userID as accepted. Unknown or expired pending ids and
// non-members are ignored. When the last member accepts, whoever wins the
// delete of the pending record provisions the session, so it is created
// exactly once even under duplicate or concurrent accepts.
func (n *Negotiator) Accept(ctx context.Context, pendingID, userID string) error {
	acc, err := n.store.MarkAccepted(ctx, pendingID, userID)
	if err != nil {
		return err
	}
	if !acc.AllAccepted {
		return nil
	}

	claimed, err := n.store.DeletePending(ctx, pendingID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	s, err := n.sessions.CreateSession(ctx, acc.ChallengeRef, acc.Members)
	if err != nil {
		// The pending record is already gone; release every member.
		n.notifyDeclined(ctx, pendingID, acc.Members)
		return fmt.Errorf("provision session for %s: %w", pendingID, err)
	}
	slog.Info("Match confirmed", "pendingID", pendingID, "sessionID", s.ID)
	return nil
}

// Decline tears the pending match down and tells every member. Members are not
// put back into the queue.
func (n *Negotiator) Decline(ctx context.Context, pendingID, userID string) error {
	flags, err := n.store.ReadPending(ctx, pendingID)
	if err != nil {
		return err
	}
	if _, ok := flags[userID]; !ok {
		return nil
	}

	claimed, err := n.store.DeletePending(ctx, pendingID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	slog.Info("Match declined", "pendingID", pendingID, "userID", userID)
	members := make([]string, 0, len(flags))
	for member := range flags {
		members = append(members, member)
	}
	n.notifyDeclined(ctx, pendingID, members)
	return nil
}

func (n *Negotiator) notifyDeclined(ctx context.Context, pendingID string, members []string) {
	for _, member := range members {
		if err := n.notifier.EmitToUser(ctx, member, domain.EventMatchDeclined, Declined{PendingID: pendingID}); err != nil {
			slog.Error("Failed to notify member of decline", "pendingID", pendingID, "userID", member, "error", err)
		}
	}
}
