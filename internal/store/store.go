// Package store binds the Postgres repositories to the persistence contract of the realtime package.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/auditlog"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/questions"
	"github.com/livepoll/backend/internal/sessions"
)

// Store implements realtime.Store on PostgreSQL.
type Store struct {
	Polls     *polls.Repository
	Questions *questions.Repository
	Sessions  *sessions.Repository
	Audit     *auditlog.Repository
}

// New builds every repository on one pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Polls:     polls.NewRepository(pool),
		Questions: questions.NewRepository(pool),
		Sessions:  sessions.NewRepository(pool),
		Audit:     auditlog.NewRepository(pool),
	}
}

func (s *Store) FindPoll(ctx context.Context, pollID string) (*models.Poll, error) {
	return s.Polls.GetByID(ctx, pollID)
}

func (s *Store) FindActivePoll(ctx context.Context, pollID string) (*models.Poll, error) {
	return s.Polls.GetActive(ctx, pollID)
}

// CreateQuestion stores an inline question as active and points the poll at it.
func (s *Store) CreateQuestion(ctx context.Context, q *models.Question) (*models.Question, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	created, err := s.Questions.CreateActive(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.Polls.SetCurrentQuestion(ctx, created.PollID, &created.ID); err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	return created, nil
}

// StartQuestion activates a pending question and points the poll at it.
func (s *Store) StartQuestion(ctx context.Context, pollID string, questionID uuid.UUID) (*models.Question, error) {
	q, err := s.Questions.Activate(ctx, pollID, questionID)
	if err != nil {
		return nil, err
	}
	if err := s.Polls.SetCurrentQuestion(ctx, pollID, &q.ID); err != nil {
		return nil, fmt.Errorf("start question: %w", err)
	}
	return q, nil
}

func (s *Store) MarkQuestionEnded(ctx context.Context, pollID string, questionID uuid.UUID) error {
	return s.Questions.MarkEnded(ctx, pollID, questionID)
}

func (s *Store) ClearCurrentQuestion(ctx context.Context, pollID string, questionID uuid.UUID) error {
	return s.Polls.ClearCurrentQuestion(ctx, pollID, questionID)
}

func (s *Store) WriteQuestionStats(ctx context.Context, stats models.QuestionStats) error {
	return s.Questions.UpsertStats(ctx, stats)
}

func (s *Store) UpsertSession(ctx context.Context, session models.Session) error {
	return s.Sessions.Upsert(ctx, session)
}

func (s *Store) RemoveSession(ctx context.Context, clientID string) error {
	return s.Sessions.Remove(ctx, clientID)
}

func (s *Store) MarkSessionDisconnected(ctx context.Context, clientID string) error {
	return s.Sessions.MarkDisconnected(ctx, clientID)
}

// Record satisfies realtime.Auditor.
func (s *Store) Record(ctx context.Context, entry models.AuditLog) error {
	return s.Audit.Record(ctx, entry)
}
