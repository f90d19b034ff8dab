package questions

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
	questionColumns     = `id, poll_id, text, options, time_limit, status, started_at, ended_at, created_at`
)

var errPreviousActive = errors.FailedPrecondition("previous question not completed yet")

// Repository handles question and question stats persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a questions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanQuestion(row pgx.Row) (*models.Question, error) {
	var q models.Question
	err := row.Scan(&q.ID, &q.PollID, &q.Text, &q.Options, &q.TimeLimit, &q.Status, &q.StartedAt, &q.EndedAt, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// Create inserts a pending question.
func (r *Repository) Create(ctx context.Context, q *models.Question) error {
	const query = `INSERT INTO questions (id, poll_id, text, options, time_limit, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING status, created_at`
	if err := r.pool.QueryRow(ctx, query, q.ID, q.PollID, q.Text, q.Options, q.TimeLimit).Scan(&q.Status, &q.CreatedAt); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// CreateActive inserts a question that is active immediately. The one-active-per-poll index turns a
// concurrent active question into a precondition failure.
func (r *Repository) CreateActive(ctx context.Context, q *models.Question) (*models.Question, error) {
	query := `INSERT INTO questions (id, poll_id, text, options, time_limit, status, started_at)
		VALUES ($1, $2, $3, $4, $5, 'active', now())
		RETURNING ` + questionColumns
	out, err := scanQuestion(r.pool.QueryRow(ctx, query, q.ID, q.PollID, q.Text, q.Options, q.TimeLimit))
	if isUniqueViolation(err) {
		return nil, errPreviousActive
	}
	if err != nil {
		return nil, fmt.Errorf("insert active question: %w", err)
	}
	return out, nil
}

// GetByID returns a question by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE id = $1`
	q, err := scanQuestion(r.pool.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("question not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

// ListByPoll returns the questions of a poll in creation order.
func (r *Repository) ListByPoll(ctx context.Context, pollID string) ([]models.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE poll_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Question, error) {
		q, err := scanQuestion(row)
		if err != nil {
			return models.Question{}, err
		}
		return *q, nil
	})
}

// Activate moves a pending question of pollID to active.
func (r *Repository) Activate(ctx context.Context, pollID string, id uuid.UUID) (*models.Question, error) {
	query := `UPDATE questions SET status = 'active', started_at = now()
		WHERE id = $1 AND poll_id = $2 AND status = 'pending'
		RETURNING ` + questionColumns
	q, err := scanQuestion(r.pool.QueryRow(ctx, query, id, pollID))
	switch {
	case err == nil:
		return q, nil
	case isUniqueViolation(err):
		return nil, errPreviousActive
	case !stderrors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("activate question: %w", err)
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.PollID != pollID {
		return nil, errors.NotFound("question not found")
	}
	if existing.Status == models.QuestionStatusEnded {
		return nil, errors.FailedPrecondition("question already ended")
	}
	return nil, errors.FailedPrecondition("question already active")
}

// MarkEnded marks the question ended. Ending twice keeps the first ended_at.
func (r *Repository) MarkEnded(ctx context.Context, pollID string, id uuid.UUID) error {
	const query = `UPDATE questions SET status = 'ended', ended_at = COALESCE(ended_at, now())
		WHERE id = $1 AND poll_id = $2`
	tag, err := r.pool.Exec(ctx, query, id, pollID)
	if err != nil {
		return fmt.Errorf("mark question ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("question not found")
	}
	return nil
}

// UpsertStats writes the final aggregate of a question, replacing any earlier write.
func (r *Repository) UpsertStats(ctx context.Context, s models.QuestionStats) error {
	const query = `INSERT INTO question_stats (question_id, poll_id, counts, total, last_updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (question_id) DO UPDATE
		SET counts = EXCLUDED.counts, total = EXCLUDED.total, last_updated_at = EXCLUDED.last_updated_at`
	if _, err := r.pool.Exec(ctx, query, s.QuestionID, s.PollID, s.Counts, s.Total, s.LastUpdatedAt); err != nil {
		return fmt.Errorf("upsert question stats: %w", err)
	}
	return nil
}

// StatsByQuestion returns the stored aggregate of a question.
func (r *Repository) StatsByQuestion(ctx context.Context, id uuid.UUID) (*models.QuestionStats, error) {
	const query = `SELECT question_id, poll_id, counts, total, last_updated_at FROM question_stats WHERE question_id = $1`
	var s models.QuestionStats
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.QuestionID, &s.PollID, &s.Counts, &s.Total, &s.LastUpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("no results for question")
	}
	if err != nil {
		return nil, fmt.Errorf("get question stats: %w", err)
	}
	return &s, nil
}

// StatsByPoll returns every stored aggregate of a poll.
func (r *Repository) StatsByPoll(ctx context.Context, pollID string) ([]models.QuestionStats, error) {
	const query = `SELECT s.question_id, s.poll_id, s.counts, s.total, s.last_updated_at
		FROM question_stats s JOIN questions q ON q.id = s.question_id
		WHERE s.poll_id = $1 ORDER BY q.created_at`
	rows, err := r.pool.Query(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("list question stats: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.QuestionStats, error) {
		var s models.QuestionStats
		err := row.Scan(&s.QuestionID, &s.PollID, &s.Counts, &s.Total, &s.LastUpdatedAt)
		return s, err
	})
}
