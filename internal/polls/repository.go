package polls

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
)

const (
	codeUniqueViolation = "23505"
	pollColumns         = `id, title, status, default_time_limit, max_students, current_question_id, created_at, updated_at`
)

// Repository handles poll persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	err := row.Scan(&p.ID, &p.Title, &p.Status, &p.Config.DefaultTimeLimit, &p.Config.MaxStudents,
		&p.CurrentQuestionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new poll. A taken id is reported as AlreadyExists.
func (r *Repository) Create(ctx context.Context, p *models.Poll) error {
	const query = `INSERT INTO polls (id, title, status, default_time_limit, max_students)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, p.ID, p.Title, p.Status, p.TimeLimitOrDefault(), p.Config.MaxStudents).
		Scan(&p.CreatedAt, &p.UpdatedAt)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("poll %q already exists", p.ID), errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	p.Config.DefaultTimeLimit = p.TimeLimitOrDefault()
	return nil
}

// GetByID returns a poll by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE id = $1`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("poll not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	return p, nil
}

// GetActive returns a poll only while it accepts questions.
func (r *Repository) GetActive(ctx context.Context, id string) (*models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls WHERE id = $1 AND status = 'active'`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("poll not found or inactive")
	}
	if err != nil {
		return nil, fmt.Errorf("get active poll: %w", err)
	}
	return p, nil
}

// List returns polls, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.Poll, error) {
	query := `SELECT ` + pollColumns + ` FROM polls ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Poll, error) {
		p, err := scanPoll(row)
		if err != nil {
			return models.Poll{}, err
		}
		return *p, nil
	})
}

// Close marks the poll closed and drops its current-question pointer.
func (r *Repository) Close(ctx context.Context, id string) error {
	const query = `UPDATE polls SET status = 'closed', current_question_id = NULL, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("close poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("poll not found")
	}
	return nil
}

// SetCurrentQuestion points the poll at questionID; nil clears the pointer unconditionally.
func (r *Repository) SetCurrentQuestion(ctx context.Context, pollID string, questionID *uuid.UUID) error {
	const query = `UPDATE polls SET current_question_id = $2, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, pollID, questionID); err != nil {
		return fmt.Errorf("set current question: %w", err)
	}
	return nil
}

// ClearCurrentQuestion clears the pointer only if it still references questionID, so a late close of an
// old question never unsets a newer one.
func (r *Repository) ClearCurrentQuestion(ctx context.Context, pollID string, questionID uuid.UUID) error {
	const query = `UPDATE polls SET current_question_id = NULL, updated_at = now()
		WHERE id = $1 AND current_question_id = $2`
	if _, err := r.pool.Exec(ctx, query, pollID, questionID); err != nil {
		return fmt.Errorf("clear current question: %w", err)
	}
	return nil
}
