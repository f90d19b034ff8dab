package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/queue"
)

// Trigger names what caused a question to be finalized.
type Trigger string

const (
	TriggerAllAnswered Trigger = "all_answered"
	TriggerDeadline    Trigger = "deadline"
	TriggerManual      Trigger = "manual"
)

const (
	defaultPersistTimeout = 10 * time.Second
	deadLetterTimeout     = 5 * time.Second
)

// Store is the durable side of the poll rooms.
type Store interface {
	FindPoll(ctx context.Context, pollID string) (*models.Poll, error)
	FindActivePoll(ctx context.Context, pollID string) (*models.Poll, error)
	CreateQuestion(ctx context.Context, q *models.Question) (*models.Question, error)
	StartQuestion(ctx context.Context, pollID string, questionID uuid.UUID) (*models.Question, error)
	MarkQuestionEnded(ctx context.Context, pollID string, questionID uuid.UUID) error
	ClearCurrentQuestion(ctx context.Context, pollID string, questionID uuid.UUID) error
	WriteQuestionStats(ctx context.Context, stats models.QuestionStats) error
	UpsertSession(ctx context.Context, s models.Session) error
	RemoveSession(ctx context.Context, clientID string) error
	MarkSessionDisconnected(ctx context.Context, clientID string) error
}

// DeadLetter receives final stats that could not be written in-line.
type DeadLetter interface {
	EnqueueStatsWrite(ctx context.Context, payload queue.StatsWritePayload) error
}

// Auditor records moderator and system actions.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditLog) error
}

type Config struct {
	Store          Store
	Hub            *Hub
	Metrics        *Metrics
	DeadLetter     DeadLetter
	Audit          Auditor
	Logger         *zap.Logger
	Schedule       Scheduler
	Now            func() time.Time
	PersistTimeout time.Duration
}

// Manager owns one Room per poll and runs every protocol operation against it.
type Manager struct {
	store          Store
	hub            *Hub
	metrics        *Metrics
	deadLetter     DeadLetter
	audit          Auditor
	logger         *zap.Logger
	schedule       Scheduler
	now            func() time.Time
	persistTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(c Config) *Manager {
	m := &Manager{
		store:          c.Store,
		hub:            c.Hub,
		metrics:        c.Metrics,
		deadLetter:     c.DeadLetter,
		audit:          c.Audit,
		logger:         c.Logger,
		schedule:       c.Schedule,
		now:            c.Now,
		persistTimeout: c.PersistTimeout,
		rooms:          make(map[string]*Room),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.hub == nil {
		m.hub = NewHub(m.logger, nil, m.metrics)
	}
	if m.schedule == nil {
		m.schedule = AfterFunc
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.persistTimeout <= 0 {
		m.persistTimeout = defaultPersistTimeout
	}
	return m
}

func (m *Manager) acquire(pollID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[pollID]
	if !ok {
		r = newRoom(pollID, m.hub, m.metrics, m.now)
		m.rooms[pollID] = r
	}
	return r
}

func (m *Manager) lookup(pollID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[pollID]
}

func (m *Manager) releaseIfIdle(pollID string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[pollID] != r {
		return
	}
	if r.retireIfIdle() {
		delete(m.rooms, pollID)
	}
}

// Join registers conn as clientID in the poll room and returns the registered member.
func (m *Manager) Join(ctx context.Context, conn Conn, req JoinRequest) (*Participant, error) {
	if req.PollID == "" || req.ClientID == "" {
		return nil, errors.InvalidArgument("pollId and clientId are required")
	}
	role, ok := ParseRole(req.Role)
	if !ok {
		return nil, errors.InvalidArgument("invalid role %q", req.Role)
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = req.ClientID
	}

	poll, err := m.store.FindPoll(ctx, req.PollID)
	if err != nil {
		return nil, err
	}
	if poll.Status == models.PollStatusClosed {
		return nil, errors.FailedPrecondition("poll has ended")
	}

	p := &Participant{
		ClientID:    req.ClientID,
		DisplayName: name,
		Role:        role,
		JoinedAt:    m.now(),
		conn:        conn,
	}
	var finalizeQuestion string
	for {
		room := m.acquire(req.PollID)
		finalizeQuestion, err = room.join(p, poll.Config.MaxStudents)
		if err == errRoomRetired {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	now := m.now()
	socketID := conn.ID()
	if err := m.store.UpsertSession(ctx, models.Session{
		ClientID:    p.ClientID,
		DisplayName: p.DisplayName,
		PollID:      req.PollID,
		Role:        string(p.Role),
		SocketID:    &socketID,
		ConnectedAt: now,
		LastSeenAt:  now,
	}); err != nil {
		m.logger.Warn("upsert session", zap.String("poll_id", req.PollID), zap.String("client_id", p.ClientID), zap.Error(err))
	}

	m.logger.Debug("client joined poll", zap.String("poll_id", req.PollID), zap.String("client_id", p.ClientID), zap.String("role", string(role)))
	if finalizeQuestion != "" {
		_ = m.Finalize(ctx, req.PollID, finalizeQuestion, TriggerAllAnswered)
	}
	return p, nil
}

// Leave removes clientID from the poll if it is still bound to conn. It runs for explicit leaves and
// transport disconnects.
func (m *Manager) Leave(ctx context.Context, conn Conn, pollID, clientID string) {
	room := m.lookup(pollID)
	if room == nil {
		return
	}
	removed, finalizeQuestion := room.leave(clientID, conn)
	if !removed {
		return
	}
	if err := m.store.MarkSessionDisconnected(ctx, clientID); err != nil {
		m.logger.Warn("mark session disconnected", zap.String("client_id", clientID), zap.Error(err))
	}
	m.logger.Debug("client left poll", zap.String("poll_id", pollID), zap.String("client_id", clientID))
	if finalizeQuestion != "" {
		_ = m.Finalize(ctx, pollID, finalizeQuestion, TriggerAllAnswered)
	}
	m.releaseIfIdle(pollID, room)
}

// Kick removes clientID from the poll, notifying and closing its transport when it has one. Kicking an
// unknown client only removes its stored session.
func (m *Manager) Kick(ctx context.Context, req KickRequest) error {
	if req.PollID == "" || req.ClientID == "" {
		return errors.InvalidArgument("pollId and clientId are required")
	}

	var finalizeQuestion string
	room := m.lookup(req.PollID)
	if room != nil {
		_, finalizeQuestion = room.kick(req.ClientID)
	}
	if err := m.store.RemoveSession(ctx, req.ClientID); err != nil {
		m.logger.Warn("remove session", zap.String("client_id", req.ClientID), zap.Error(err))
	}
	m.record(ctx, req.PollID, models.ActorModerator, models.AuditKick, map[string]any{"client_id": req.ClientID})

	if finalizeQuestion != "" {
		_ = m.Finalize(ctx, req.PollID, finalizeQuestion, TriggerAllAnswered)
	}
	if room != nil {
		m.releaseIfIdle(req.PollID, room)
	}
	return nil
}

// OpenQuestion starts a stored pending question or creates and starts an inline one, then arms its
// deadline and announces it to the room.
func (m *Manager) OpenQuestion(ctx context.Context, req OpenRequest) (*models.Question, error) {
	if req.PollID == "" {
		return nil, errors.InvalidArgument("pollId is required")
	}
	var (
		questionID uuid.UUID
		inline     *models.Question
		err        error
	)
	if req.QuestionID != "" {
		questionID, err = uuid.Parse(req.QuestionID)
		if err != nil {
			return nil, errors.InvalidArgument("invalid questionId")
		}
	} else {
		inline, err = inlineQuestion(req)
		if err != nil {
			return nil, err
		}
	}

	poll, err := m.store.FindActivePoll(ctx, req.PollID)
	if err != nil {
		return nil, err
	}

	var room *Room
	for {
		room = m.acquire(req.PollID)
		err = room.reserveOpen()
		if err == errRoomRetired {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	var q *models.Question
	if inline != nil {
		if inline.TimeLimit <= 0 {
			inline.TimeLimit = poll.TimeLimitOrDefault()
		}
		q, err = m.store.CreateQuestion(ctx, inline)
	} else {
		q, err = m.store.StartQuestion(ctx, req.PollID, questionID)
	}
	if err != nil {
		room.cancelOpen()
		m.releaseIfIdle(req.PollID, room)
		return nil, err
	}
	if q.TimeLimit <= 0 {
		q.TimeLimit = poll.TimeLimitOrDefault()
	}

	pollID, qid := req.PollID, q.ID.String()
	room.open(q, m.schedule, func() { m.onDeadline(pollID, qid) })
	m.record(ctx, pollID, models.ActorModerator, models.AuditStartQuestion, map[string]any{"question_id": qid})
	m.logger.Info("question opened", zap.String("poll_id", pollID), zap.String("question_id", qid), zap.Int("time_limit", q.TimeLimit))
	return q, nil
}

func inlineQuestion(req OpenRequest) (*models.Question, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.InvalidArgument("questionId or text is required")
	}
	opts, err := NewOptions(req.Options)
	if err != nil {
		return nil, err
	}
	return &models.Question{
		ID:        uuid.New(),
		PollID:    req.PollID,
		Text:      text,
		Options:   opts,
		TimeLimit: req.TimeLimit,
		Status:    models.QuestionStatusActive,
	}, nil
}

// NewOptions validates option inputs and fills in missing option ids.
func NewOptions(in []OptionInput) ([]models.Option, error) {
	if len(in) < models.MinOptions {
		return nil, errors.InvalidArgument("at least %d options are required", models.MinOptions)
	}
	seen := make(map[string]struct{}, len(in))
	opts := make([]models.Option, 0, len(in))
	for _, o := range in {
		if strings.TrimSpace(o.Text) == "" {
			return nil, errors.InvalidArgument("option text is required")
		}
		id := o.OptionID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return nil, errors.InvalidArgument("duplicate option id %q", id)
		}
		seen[id] = struct{}{}
		opts = append(opts, models.Option{OptionID: id, Text: o.Text, IsCorrect: o.IsCorrect})
	}
	return opts, nil
}

// SubmitAnswer records the first answer of a client. On success the submitter has already been acked
// when it returns; a non-nil error is the rejection to ack instead.
func (m *Manager) SubmitAnswer(ctx context.Context, conn Conn, req SubmitRequest) error {
	if req.PollID == "" || req.QuestionID == "" || req.ClientID == "" || req.OptionID == "" {
		m.metrics.Answers.WithLabelValues("rejected").Inc()
		return errors.InvalidArgument("pollId, questionId, clientId and optionId are required")
	}
	room := m.lookup(req.PollID)
	if room == nil {
		m.metrics.Answers.WithLabelValues("rejected").Inc()
		return errors.FailedPrecondition("no active question or question expired")
	}
	finalize, err := room.submit(conn, req)
	if err != nil {
		m.metrics.Answers.WithLabelValues("rejected").Inc()
		return err
	}
	m.metrics.Answers.WithLabelValues("accepted").Inc()
	if finalize {
		_ = m.Finalize(ctx, req.PollID, req.QuestionID, TriggerAllAnswered)
	}
	return nil
}

// EndQuestion finalizes a question on behalf of the moderator.
func (m *Manager) EndQuestion(ctx context.Context, req EndRequest) error {
	if req.PollID == "" || req.QuestionID == "" {
		return errors.InvalidArgument("pollId and questionId are required")
	}
	return m.Finalize(ctx, req.PollID, req.QuestionID, TriggerManual)
}

func (m *Manager) onDeadline(pollID, questionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()
	if err := m.Finalize(ctx, pollID, questionID, TriggerDeadline); err != nil {
		m.logger.Warn("deadline finalize", zap.String("poll_id", pollID), zap.String("question_id", questionID), zap.Error(err))
	}
}

// Finalize closes a question exactly once no matter how many triggers race. Without an in-memory
// tracker it only marks the stored question ended. A persistence failure is returned but the question
// stays ended and the final update is still broadcast.
func (m *Manager) Finalize(ctx context.Context, pollID, questionID string, trigger Trigger) error {
	state, snap := finalizeAbsent, Snapshot{}
	room := m.lookup(pollID)
	if room != nil {
		state, snap = room.beginFinalize(questionID)
	}

	switch state {
	case finalizeAlreadyEnded:
		return nil
	case finalizeAbsent:
		return m.endWithoutTracker(ctx, pollID, questionID)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	endedAt := m.now()
	perr := m.persist(pctx, pollID, snap, endedAt)
	if perr != nil {
		m.metrics.PersistFailures.Inc()
		m.logger.Error("persist question stats",
			zap.String("poll_id", pollID),
			zap.String("question_id", questionID),
			zap.String("trigger", string(trigger)),
			zap.Error(perr))
		m.deadLetterStats(context.WithoutCancel(ctx), pollID, snap, endedAt)
		room.notifyModerators(EventError, ErrorPayload{Message: "results could not be saved", QuestionID: questionID})
	}

	update := room.completeFinalize(questionID, snap)
	m.metrics.Finalized.WithLabelValues(string(trigger)).Inc()
	m.hub.Publish(pollID, EventFinalUpdate, update)
	m.record(pctx, pollID, actorFor(trigger), models.AuditEndQuestion, map[string]any{
		"question_id": questionID,
		"trigger":     string(trigger),
		"total":       snap.Total,
	})
	m.logger.Info("question finalized",
		zap.String("poll_id", pollID),
		zap.String("question_id", questionID),
		zap.String("trigger", string(trigger)),
		zap.Int("total", snap.Total))
	m.releaseIfIdle(pollID, room)

	if perr != nil {
		return errors.New(errors.CodeInternal, errors.WithMessagef("results could not be saved"), errors.WithCause(perr))
	}
	return nil
}

func actorFor(t Trigger) string {
	if t == TriggerManual {
		return models.ActorModerator
	}
	return models.ActorSystem
}

func (m *Manager) persist(ctx context.Context, pollID string, snap Snapshot, endedAt time.Time) error {
	qid, err := uuid.Parse(snap.QuestionID)
	if err != nil {
		return fmt.Errorf("parse question id: %w", err)
	}
	if err := m.store.WriteQuestionStats(ctx, models.QuestionStats{
		QuestionID:    qid,
		PollID:        pollID,
		Counts:        snap.Counts,
		Total:         snap.Total,
		LastUpdatedAt: endedAt,
	}); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := m.store.MarkQuestionEnded(ctx, pollID, qid); err != nil {
		return fmt.Errorf("mark question ended: %w", err)
	}
	if err := m.store.ClearCurrentQuestion(ctx, pollID, qid); err != nil {
		return fmt.Errorf("clear current question: %w", err)
	}
	return nil
}

func (m *Manager) deadLetterStats(ctx context.Context, pollID string, snap Snapshot, endedAt time.Time) {
	if m.deadLetter == nil {
		return
	}
	qid, err := uuid.Parse(snap.QuestionID)
	if err != nil {
		return
	}
	// The persist budget may already be spent.
	ctx, cancel := context.WithTimeout(ctx, deadLetterTimeout)
	defer cancel()
	if err := m.deadLetter.EnqueueStatsWrite(ctx, queue.StatsWritePayload{
		PollID:     pollID,
		QuestionID: qid,
		Counts:     snap.Counts,
		Total:      snap.Total,
		EndedAt:    endedAt,
	}); err != nil {
		m.logger.Error("enqueue stats write", zap.String("poll_id", pollID), zap.String("question_id", snap.QuestionID), zap.Error(err))
	}
}

func (m *Manager) endWithoutTracker(ctx context.Context, pollID, questionID string) error {
	qid, err := uuid.Parse(questionID)
	if err != nil {
		return errors.InvalidArgument("invalid questionId")
	}
	if err := m.store.MarkQuestionEnded(ctx, pollID, qid); err != nil {
		return err
	}
	if err := m.store.ClearCurrentQuestion(ctx, pollID, qid); err != nil {
		return err
	}
	m.logger.Info("question ended without live tracker", zap.String("poll_id", pollID), zap.String("question_id", questionID))
	return nil
}

// EndPoll finalizes the active question, if any, and tells the room the poll is over.
func (m *Manager) EndPoll(ctx context.Context, pollID string) error {
	var ferr error
	if room := m.lookup(pollID); room != nil {
		if qid := room.activeQuestionID(); qid != "" {
			ferr = m.Finalize(ctx, pollID, qid, TriggerManual)
		}
		room.broadcastAll(EventPollEnded, PollEndedPayload{PollID: pollID})
	}
	m.hub.Publish(pollID, EventPollEnded, PollEndedPayload{PollID: pollID})
	return ferr
}

// Roster returns the live members of a poll; unknown polls have none.
func (m *Manager) Roster(pollID string) []ParticipantView {
	room := m.lookup(pollID)
	if room == nil {
		return []ParticipantView{}
	}
	return room.roster()
}

// ExpectedRespondentCount returns the number of participants (not moderators) in the poll.
func (m *Manager) ExpectedRespondentCount(pollID string) int {
	room := m.lookup(pollID)
	if room == nil {
		return 0
	}
	return room.expected()
}

// IsModerator reports whether conn is the live connection of a moderator registered as clientID.
func (m *Manager) IsModerator(pollID, clientID string, conn Conn) bool {
	room := m.lookup(pollID)
	return room != nil && room.isModerator(clientID, conn)
}

// Close cancels every pending deadline. In-flight questions are left for the compensating path.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		r.stop()
	}
}

func (m *Manager) record(ctx context.Context, pollID, actor, action string, payload map[string]any) {
	if m.audit == nil {
		return
	}
	id := pollID
	if err := m.audit.Record(ctx, models.AuditLog{
		ID:        uuid.New(),
		PollID:    &id,
		ActorType: actor,
		Action:    action,
		Payload:   payload,
		CreatedAt: m.now(),
	}); err != nil {
		m.logger.Warn("audit log", zap.String("poll_id", pollID), zap.String("action", action), zap.Error(err))
	}
}
