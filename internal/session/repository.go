package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dontdude/codeduel/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Repository persists sessions with sqlx. Queries are written with '?'
// placeholders and rebound for the driver in use.
type Repository struct {
	db *sqlx.DB
}

var _ domain.SessionRepository = (*Repository)(nil)

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, s domain.Session) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (session_id, challenge_ref, private, completed, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		s.ID, s.ChallengeRef, s.Private, s.Completed, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}

	insertMember := r.db.Rebind(`
		INSERT INTO session_members (session_id, user_id, position)
		VALUES (?, ?, ?)`)
	for i, m := range s.MemberIDs {
		if _, err := tx.ExecContext(ctx, insertMember, s.ID, m, i); err != nil {
			return fmt.Errorf("insert member %s: %w", m, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session %s: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.db.GetContext(ctx, &s, r.db.Rebind(`
		SELECT session_id, challenge_ref, private, completed, created_at
		FROM sessions WHERE session_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}

	err = r.db.SelectContext(ctx, &s.MemberIDs, r.db.Rebind(`
		SELECT user_id FROM session_members
		WHERE session_id = ? ORDER BY position`), id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get members %s: %w", id, err)
	}
	return s, nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET completed = ? WHERE session_id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping is used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
