package realtime

import (
	"time"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
)

// Timer is a cancellable deadline. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Scheduler arms fn to run once after d.
type Scheduler func(d time.Duration, fn func()) Timer

// AfterFunc is the production Scheduler.
func AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Snapshot is a point-in-time copy of a tracker's tallies.
type Snapshot struct {
	QuestionID string
	Counts     map[string]int
	Total      int
}

// tracker aggregates answers for the single active question of a poll. All access goes through the
// owning Room's lock.
type tracker struct {
	question *models.Question
	answers  map[string]string // clientID -> optionID
	counts   map[string]int
	total    int
	ended    bool
	endsAt   time.Time
	timer    Timer
}

func newTracker(q *models.Question, now time.Time) *tracker {
	counts := make(map[string]int, len(q.Options))
	for _, o := range q.Options {
		counts[o.OptionID] = 0
	}
	return &tracker{
		question: q,
		answers:  make(map[string]string),
		counts:   counts,
		endsAt:   now.Add(time.Duration(q.TimeLimit) * time.Second),
	}
}

func (t *tracker) questionID() string {
	return t.question.ID.String()
}

// record stores the first answer of clientID. Rejections leave the tracker untouched.
func (t *tracker) record(clientID, optionID string) error {
	if t.ended {
		return errors.FailedPrecondition("question already ended")
	}
	if _, ok := t.answers[clientID]; ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("already answered"))
	}
	if !t.question.HasOption(optionID) {
		return errors.InvalidArgument("unknown option")
	}
	t.answers[clientID] = optionID
	t.counts[optionID]++
	t.total++
	return nil
}

// markEnded flips the ended flag and cancels the deadline. It reports false if the tracker was already
// ended, which makes it the single test-and-set for finalization.
func (t *tracker) markEnded() bool {
	if t.ended {
		return false
	}
	t.ended = true
	t.stopTimer()
	return true
}

func (t *tracker) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *tracker) snapshot() Snapshot {
	counts := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	return Snapshot{QuestionID: t.questionID(), Counts: counts, Total: t.total}
}

func (t *tracker) remaining(now time.Time) int {
	d := t.endsAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
