// Package worker drains the stats retry queue: final question aggregates whose in-line write failed.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/queue"
)

// StatsWriter is the persistence a retried stats write needs.
type StatsWriter interface {
	WriteQuestionStats(ctx context.Context, stats models.QuestionStats) error
	MarkQuestionEnded(ctx context.Context, pollID string, questionID uuid.UUID) error
	ClearCurrentQuestion(ctx context.Context, pollID string, questionID uuid.UUID) error
}

// JobQueue is the queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// StatsProcessor writes queued question stats and marks their questions ended.
type StatsProcessor struct {
	store   StatsWriter
	queue   JobQueue
	logger  *zap.Logger
	wait    time.Duration
	backoff time.Duration
}

// NewStatsProcessor creates a stats processor. wait bounds each blocking dequeue.
func NewStatsProcessor(store StatsWriter, q JobQueue, wait time.Duration, logger *zap.Logger) *StatsProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &StatsProcessor{store: store, queue: q, logger: logger, wait: wait, backoff: queue.RetryBackoff}
}

// SetBackoff overrides the pause after a failed job.
func (p *StatsProcessor) SetBackoff(d time.Duration) {
	p.backoff = d
}

// Process executes one stats write job. Writing is idempotent, so a job that partly succeeded before
// is safe to run again.
func (p *StatsProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeStatsWrite(job)
	if err != nil {
		return err
	}

	err = p.store.WriteQuestionStats(ctx, models.QuestionStats{
		QuestionID:    payload.QuestionID,
		PollID:        payload.PollID,
		Counts:        payload.Counts,
		Total:         payload.Total,
		LastUpdatedAt: payload.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := p.store.MarkQuestionEnded(ctx, payload.PollID, payload.QuestionID); err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			p.logger.Warn("question vanished before retry", zap.String("question_id", payload.QuestionID.String()))
			return nil
		}
		return fmt.Errorf("mark ended: %w", err)
	}
	if err := p.store.ClearCurrentQuestion(ctx, payload.PollID, payload.QuestionID); err != nil {
		return fmt.Errorf("clear current question: %w", err)
	}

	p.logger.Info("stats write retried",
		zap.String("job_id", job.ID),
		zap.String("poll_id", payload.PollID),
		zap.String("question_id", payload.QuestionID.String()),
		zap.Int("attempt", job.Attempt))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (p *StatsProcessor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Info("stats worker stopping")
			return nil
		}

		job, err := p.queue.Dequeue(ctx, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *StatsProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
