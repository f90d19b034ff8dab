package auditlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/models"
)

// Repository writes and reads audit_logs.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts an audit entry. A zero ID is filled in.
func (r *Repository) Record(ctx context.Context, e models.AuditLog) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, poll_id, actor_type, action, payload) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.PollID, e.ActorType, e.Action, e.Payload)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListByPoll returns the most recent entries for a poll.
func (r *Repository) ListByPoll(ctx context.Context, pollID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, poll_id, actor_type, action, payload, created_at
		 FROM audit_logs WHERE poll_id = $1 ORDER BY created_at DESC LIMIT $2`, pollID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var e models.AuditLog
		err := row.Scan(&e.ID, &e.PollID, &e.ActorType, &e.Action, &e.Payload, &e.CreatedAt)
		return e, err
	})
}
