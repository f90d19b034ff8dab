package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/worker"
	"github.com/livepoll/backend/pkg/queue"
)

type fakeWriter struct {
	mu        sync.Mutex
	failStats bool
	missing   bool
	stats     []models.QuestionStats
	ended     []uuid.UUID
	cleared   []uuid.UUID
}

func (f *fakeWriter) WriteQuestionStats(_ context.Context, s models.QuestionStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStats {
		return fmt.Errorf("connection refused")
	}
	f.stats = append(f.stats, s)
	return nil
}

func (f *fakeWriter) MarkQuestionEnded(_ context.Context, _ string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return errors.NotFound("question not found")
	}
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeWriter) ClearCurrentQuestion(_ context.Context, _ string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeWriter) statsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stats)
}

func makeQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { _ = rc.Close() })
	return queue.NewQueue(rc, nil), rs
}

func runWorker(t *testing.T, p *worker.StatsProcessor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func payload() queue.StatsWritePayload {
	return queue.StatsWritePayload{
		PollID:     "P1",
		QuestionID: uuid.New(),
		Counts:     map[string]int{"A": 2, "B": 0},
		Total:      2,
		EndedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestStatsProcessor(t *testing.T) {
	tests := map[string]struct {
		writer      *fakeWriter
		wantStats   int
		wantEnded   int
		wantDLQ     int
		wantPending int
	}{
		"written and ended": {
			writer:    &fakeWriter{},
			wantStats: 1,
			wantEnded: 1,
		},
		"question gone is dropped": {
			writer:    &fakeWriter{missing: true},
			wantStats: 1,
		},
		"persistent failure lands in dlq": {
			writer:  &fakeWriter{failStats: true},
			wantDLQ: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			q, rs := makeQueue(t)
			p := worker.NewStatsProcessor(tc.writer, q, 50*time.Millisecond, nil)
			p.SetBackoff(time.Millisecond)

			want := payload()
			require.NoError(t, q.EnqueueStatsWrite(context.Background(), want))

			stop := runWorker(t, p)
			require.Eventually(t, func() bool {
				dlq, _ := rs.List(queue.QueueDLQ)
				pending, _ := rs.List(queue.QueueStats)
				return len(pending) == tc.wantPending && len(dlq) == tc.wantDLQ && tc.writer.statsCount() == tc.wantStats
			}, 2*time.Second, 10*time.Millisecond)
			stop()

			tc.writer.mu.Lock()
			defer tc.writer.mu.Unlock()
			require.Len(t, tc.writer.ended, tc.wantEnded)
			if tc.wantStats > 0 {
				got := tc.writer.stats[0]
				require.Equal(t, want.QuestionID, got.QuestionID)
				require.Equal(t, want.Counts, got.Counts)
				require.Equal(t, want.Total, got.Total)
				require.True(t, want.EndedAt.Equal(got.LastUpdatedAt))
			}
			if tc.wantEnded > 0 {
				require.Equal(t, []uuid.UUID{want.QuestionID}, tc.writer.cleared)
			}
		})
	}
}

func TestStatsProcessor_RejectsUnknownJob(t *testing.T) {
	p := worker.NewStatsProcessor(&fakeWriter{}, nil, time.Second, nil)
	err := p.Process(context.Background(), &queue.Job{ID: "j1", Type: "recording_upload"})
	require.Error(t, err)
}
