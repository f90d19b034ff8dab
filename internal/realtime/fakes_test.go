package realtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/pkg/queue"
)

type fakeStore struct {
	mu          sync.Mutex
	polls       map[string]*models.Poll
	questions   map[uuid.UUID]*models.Question
	stats       map[uuid.UUID]models.QuestionStats
	statsWrites int
	endedCalls  map[uuid.UUID]int
	sessions    map[string]models.Session
	failStats   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls:      make(map[string]*models.Poll),
		questions:  make(map[uuid.UUID]*models.Question),
		stats:      make(map[uuid.UUID]models.QuestionStats),
		endedCalls: make(map[uuid.UUID]int),
		sessions:   make(map[string]models.Session),
	}
}

func (s *fakeStore) addPoll(id string, maxStudents int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[id] = &models.Poll{
		ID:     id,
		Title:  id,
		Status: models.PollStatusActive,
		Config: models.PollConfig{DefaultTimeLimit: 30, MaxStudents: maxStudents},
	}
}

func (s *fakeStore) addQuestion(pollID string, timeLimit int) *models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := &models.Question{
		ID:     uuid.New(),
		PollID: pollID,
		Text:   "Which one?",
		Options: []models.Option{
			{OptionID: "A", Text: "Alpha", IsCorrect: true},
			{OptionID: "B", Text: "Beta"},
		},
		TimeLimit: timeLimit,
		Status:    models.QuestionStatusPending,
	}
	s.questions[q.ID] = q
	cp := *q
	return &cp
}

func (s *fakeStore) FindPoll(_ context.Context, pollID string) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[pollID]
	if !ok {
		return nil, errors.NotFound("poll not found")
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) FindActivePoll(ctx context.Context, pollID string) (*models.Poll, error) {
	p, err := s.FindPoll(ctx, pollID)
	if err != nil || p.Status != models.PollStatusActive {
		return nil, errors.NotFound("poll not found or inactive")
	}
	return p, nil
}

func (s *fakeStore) activeLocked(pollID string) bool {
	for _, q := range s.questions {
		if q.PollID == pollID && q.Status == models.QuestionStatusActive {
			return true
		}
	}
	return false
}

func (s *fakeStore) CreateQuestion(_ context.Context, q *models.Question) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(q.PollID) {
		return nil, errors.FailedPrecondition("previous question not completed yet")
	}
	cp := *q
	cp.Status = models.QuestionStatusActive
	s.questions[cp.ID] = &cp
	id := cp.ID
	s.polls[q.PollID].CurrentQuestionID = &id
	out := cp
	return &out, nil
}

func (s *fakeStore) StartQuestion(_ context.Context, pollID string, questionID uuid.UUID) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok || q.PollID != pollID {
		return nil, errors.NotFound("question not found")
	}
	switch q.Status {
	case models.QuestionStatusEnded:
		return nil, errors.FailedPrecondition("question already ended")
	case models.QuestionStatusActive:
		return nil, errors.FailedPrecondition("question already active")
	}
	if s.activeLocked(pollID) {
		return nil, errors.FailedPrecondition("previous question not completed yet")
	}
	q.Status = models.QuestionStatusActive
	id := q.ID
	s.polls[pollID].CurrentQuestionID = &id
	cp := *q
	return &cp, nil
}

func (s *fakeStore) MarkQuestionEnded(_ context.Context, pollID string, questionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok || q.PollID != pollID {
		return errors.NotFound("question not found")
	}
	q.Status = models.QuestionStatusEnded
	s.endedCalls[questionID]++
	return nil
}

func (s *fakeStore) ClearCurrentQuestion(_ context.Context, pollID string, questionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[pollID]
	if ok && p.CurrentQuestionID != nil && *p.CurrentQuestionID == questionID {
		p.CurrentQuestionID = nil
	}
	return nil
}

func (s *fakeStore) WriteQuestionStats(_ context.Context, stats models.QuestionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStats != nil {
		return s.failStats
	}
	s.statsWrites++
	s.stats[stats.QuestionID] = stats
	return nil
}

func (s *fakeStore) UpsertSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ClientID] = sess
	return nil
}

func (s *fakeStore) RemoveSession(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

func (s *fakeStore) MarkSessionDisconnected(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[clientID]; ok {
		sess.SocketID = nil
		s.sessions[clientID] = sess
	}
	return nil
}

func (s *fakeStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsWrites
}

func (s *fakeStore) statsFor(id uuid.UUID) (models.QuestionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[id]
	return st, ok
}

func (s *fakeStore) questionStatus(id uuid.UUID) models.QuestionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questions[id].Status
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	msgs   []realtime.WSMessage
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg realtime.WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []realtime.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.WSMessage(nil), c.msgs...)
}

func (c *fakeConn) events(event string) []realtime.WSMessage {
	var out []realtime.WSMessage
	for _, m := range c.messages() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

func decode[T any](t *testing.T, msg realtime.WSMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Data, &v))
	return v
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback as if the deadline elapsed before any Stop.
func (t *fakeTimer) fire() {
	t.fn()
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, fn func()) realtime.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type fakeDeadLetter struct {
	mu   sync.Mutex
	jobs []queue.StatsWritePayload
}

func (d *fakeDeadLetter) EnqueueStatsWrite(_ context.Context, p queue.StatsWritePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, p)
	return nil
}

type harness struct {
	store   *fakeStore
	sched   *fakeScheduler
	dlq     *fakeDeadLetter
	manager *realtime.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		sched: &fakeScheduler{},
		dlq:   &fakeDeadLetter{},
	}
	h.manager = realtime.NewManager(realtime.Config{
		Store:      h.store,
		DeadLetter: h.dlq,
		Schedule:   h.sched.schedule,
	})
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) join(t *testing.T, pollID, clientID, role string) *fakeConn {
	t.Helper()
	conn := newFakeConn("conn-" + clientID)
	_, err := h.manager.Join(context.Background(), conn, realtime.JoinRequest{
		PollID:      pollID,
		Role:        role,
		ClientID:    clientID,
		DisplayName: "name " + clientID,
	})
	require.NoError(t, err)
	return conn
}

// room sets up poll P1 with a moderator and the given participants, and opens a stored question.
func (h *harness) room(t *testing.T, timeLimit int, participants ...string) (mod *fakeConn, conns map[string]*fakeConn, q *models.Question) {
	t.Helper()
	h.store.addPoll("P1", 0)
	mod = h.join(t, "P1", "mod", "moderator")
	conns = make(map[string]*fakeConn, len(participants))
	for _, id := range participants {
		conns[id] = h.join(t, "P1", id, "participant")
	}
	stored := h.store.addQuestion("P1", timeLimit)
	q, err := h.manager.OpenQuestion(context.Background(), realtime.OpenRequest{PollID: "P1", QuestionID: stored.ID.String()})
	require.NoError(t, err)
	return mod, conns, q
}

func (h *harness) submit(conn *fakeConn, questionID uuid.UUID, clientID, optionID string) error {
	return h.manager.SubmitAnswer(context.Background(), conn, realtime.SubmitRequest{
		PollID:     "P1",
		QuestionID: questionID.String(),
		ClientID:   clientID,
		OptionID:   optionID,
	})
}
