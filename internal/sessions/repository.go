package sessions

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository handles the sessions table: one row per connected client.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert records a join. A re-join moves the client to the new poll and socket.
func (r *Repository) Upsert(ctx context.Context, s models.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (client_id, poll_id, display_name, role, socket_id, connected_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (client_id) DO UPDATE
		 SET poll_id = EXCLUDED.poll_id, display_name = EXCLUDED.display_name, role = EXCLUDED.role,
		     socket_id = EXCLUDED.socket_id, last_seen_at = now()`,
		s.ClientID, s.PollID, s.DisplayName, s.Role, s.SocketID)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Remove deletes a session (kick).
func (r *Repository) Remove(ctx context.Context, clientID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// MarkDisconnected clears the socket and stamps last_seen_at.
func (r *Repository) MarkDisconnected(ctx context.Context, clientID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET socket_id = NULL, last_seen_at = now() WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("mark session disconnected: %w", err)
	}
	return nil
}

// ListByPoll returns the sessions of a poll, connected or not.
func (r *Repository) ListByPoll(ctx context.Context, pollID string) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT client_id, display_name, poll_id, role, socket_id, connected_at, last_seen_at
		 FROM sessions WHERE poll_id = $1 ORDER BY connected_at`, pollID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Session, error) {
		var s models.Session
		err := row.Scan(&s.ClientID, &s.DisplayName, &s.PollID, &s.Role, &s.SocketID, &s.ConnectedAt, &s.LastSeenAt)
		return s, err
	})
}
