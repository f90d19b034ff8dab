package polls

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/pkg/response"
)

// PollRepository is the poll persistence used by the handler.
type PollRepository interface {
	Create(ctx context.Context, p *models.Poll) error
	GetByID(ctx context.Context, id string) (*models.Poll, error)
	List(ctx context.Context, limit, offset int) ([]models.Poll, error)
	Close(ctx context.Context, id string) error
}

// ResultsReader loads the persisted questions and aggregates of a poll.
type ResultsReader interface {
	ListByPoll(ctx context.Context, pollID string) ([]models.Question, error)
	StatsByPoll(ctx context.Context, pollID string) ([]models.QuestionStats, error)
}

// LiveRooms is the part of the realtime manager the REST surface drives.
type LiveRooms interface {
	EndPoll(ctx context.Context, pollID string) error
	Kick(ctx context.Context, req realtime.KickRequest) error
	Roster(pollID string) []realtime.ParticipantView
	ExpectedRespondentCount(pollID string) int
}

// Archiver stores the final results document of a closed poll.
type Archiver interface {
	UploadPollResults(ctx context.Context, pollID string, body []byte, at time.Time) (string, error)
}

// EventFeed streams published poll events.
type EventFeed interface {
	SubscribePoll(ctx context.Context, pollID string, handler func(event string, payload []byte)) (func(), error)
}

// CreateRequest is the body for POST /polls.
type CreateRequest struct {
	PollID string `json:"pollId"`
	Title  string `json:"title" binding:"required"`
	Config struct {
		DefaultTimeLimit int `json:"defaultTimeLimit"`
		MaxStudents      int `json:"maxStudents"`
	} `json:"config"`
}

// KickRequest is the body for POST /polls/:id/kick.
type KickRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

// QuestionResult is one question of GET /polls/:id/results.
type QuestionResult struct {
	QuestionID  string                `json:"questionId"`
	Text        string                `json:"text"`
	Status      models.QuestionStatus `json:"status"`
	Options     []models.Option       `json:"options"`
	Counts      map[string]int        `json:"counts"`
	Total       int                   `json:"total"`
	Percentages map[string]int        `json:"percentages"`
	EndedAt     *time.Time            `json:"endedAt,omitempty"`
}

// PollResults is the results document of a poll, also used as the archived form.
type PollResults struct {
	PollID    string            `json:"pollId"`
	Title     string            `json:"title"`
	Status    models.PollStatus `json:"status"`
	Questions []QuestionResult  `json:"questions"`
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	repo    PollRepository
	results ResultsReader
	live    LiveRooms
	audit   realtime.Auditor
	archive Archiver
	feed    EventFeed
	logger  *zap.Logger

	defaultTimeLimit int
}

// Options are the optional collaborators of a Handler.
type Options struct {
	Audit   realtime.Auditor
	Archive Archiver
	Feed    EventFeed
	Logger  *zap.Logger
	// DefaultTimeLimit applies to polls created without one (seconds).
	DefaultTimeLimit int
}

// NewHandler creates a polls handler.
func NewHandler(repo PollRepository, results ResultsReader, live LiveRooms, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:    repo,
		results: results,
		live:    live,
		audit:   opts.Audit,
		archive: opts.Archive,
		feed:    opts.Feed,
		logger:  logger,

		defaultTimeLimit: opts.DefaultTimeLimit,
	}
}

// Create handles POST /polls.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Config.DefaultTimeLimit < 0 || req.Config.MaxStudents < 0 {
		response.BadRequest(c, "config values must not be negative")
		return
	}
	if req.Config.DefaultTimeLimit == 0 {
		req.Config.DefaultTimeLimit = h.defaultTimeLimit
	}
	id := strings.TrimSpace(req.PollID)
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	}

	p := &models.Poll{
		ID:     id,
		Title:  strings.TrimSpace(req.Title),
		Status: models.PollStatusActive,
		Config: models.PollConfig{
			DefaultTimeLimit: req.Config.DefaultTimeLimit,
			MaxStudents:      req.Config.MaxStudents,
		},
	}
	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		response.Error(c, err)
		return
	}
	h.record(c.Request.Context(), p.ID, models.AuditCreatePoll, map[string]any{"title": p.Title})
	response.Created(c, p)
}

// List handles GET /polls?limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.List(c.Request.Context(), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Poll{}
	}
	response.OK(c, gin.H{"polls": list})
}

// GetByID handles GET /polls/:id.
func (h *Handler) GetByID(c *gin.Context) {
	p, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// Results handles GET /polls/:id/results: every question with its persisted aggregate.
func (h *Handler) Results(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.repo.GetByID(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	res, err := h.buildResults(ctx, p)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

func (h *Handler) buildResults(ctx context.Context, p *models.Poll) (*PollResults, error) {
	qs, err := h.results.ListByPoll(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	stats, err := h.results.StatsByPoll(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	byQuestion := make(map[uuid.UUID]models.QuestionStats, len(stats))
	for _, s := range stats {
		byQuestion[s.QuestionID] = s
	}

	out := &PollResults{PollID: p.ID, Title: p.Title, Status: p.Status, Questions: make([]QuestionResult, 0, len(qs))}
	for _, q := range qs {
		r := QuestionResult{
			QuestionID: q.ID.String(),
			Text:       q.Text,
			Status:     q.Status,
			Options:    q.Options,
			Counts:     make(map[string]int, len(q.Options)),
			EndedAt:    q.EndedAt,
		}
		for _, o := range q.Options {
			r.Counts[o.OptionID] = 0
		}
		if s, ok := byQuestion[q.ID]; ok {
			for k, v := range s.Counts {
				r.Counts[k] = v
			}
			r.Total = s.Total
		}
		r.Percentages = realtime.Percentages(r.Counts, r.Total)
		out.Questions = append(out.Questions, r)
	}
	return out, nil
}

// End handles POST /polls/:id/end. The poll is closed first so no question can be opened meanwhile,
// then the live room finalizes its active question and is told the poll is over.
func (h *Handler) End(c *gin.Context) {
	ctx := c.Request.Context()
	pollID := c.Param("id")
	p, err := h.repo.GetByID(ctx, pollID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if p.Status == models.PollStatusClosed {
		response.Error(c, errors.FailedPrecondition("poll has ended"))
		return
	}
	if err := h.repo.Close(ctx, pollID); err != nil {
		response.Error(c, err)
		return
	}
	p.Status = models.PollStatusClosed
	p.CurrentQuestionID = nil

	out := gin.H{"pollId": pollID, "status": p.Status}
	if err := h.live.EndPoll(ctx, pollID); err != nil {
		h.logger.Error("finalize on poll end", zap.String("poll_id", pollID), zap.Error(err))
		out["warning"] = errors.Convert(err).Message
	}
	if key := h.archiveResults(ctx, p); key != "" {
		out["archiveKey"] = key
	}
	h.record(ctx, pollID, models.AuditEndPoll, nil)
	response.OK(c, out)
}

func (h *Handler) archiveResults(ctx context.Context, p *models.Poll) string {
	if h.archive == nil {
		return ""
	}
	res, err := h.buildResults(ctx, p)
	if err != nil {
		h.logger.Warn("build results for archive", zap.String("poll_id", p.ID), zap.Error(err))
		return ""
	}
	body, err := json.Marshal(res)
	if err != nil {
		h.logger.Warn("marshal results archive", zap.String("poll_id", p.ID), zap.Error(err))
		return ""
	}
	key, err := h.archive.UploadPollResults(ctx, p.ID, body, time.Now())
	if err != nil {
		h.logger.Warn("archive poll results", zap.String("poll_id", p.ID), zap.Error(err))
		return ""
	}
	return key
}

// Kick handles POST /polls/:id/kick.
func (h *Handler) Kick(c *gin.Context) {
	var req KickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	pollID := c.Param("id")
	if err := h.live.Kick(c.Request.Context(), realtime.KickRequest{PollID: pollID, ClientID: req.ClientID}); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"pollId": pollID, "clientId": req.ClientID})
}

// Participants handles GET /polls/:id/participants (live roster of this process).
func (h *Handler) Participants(c *gin.Context) {
	pollID := c.Param("id")
	response.OK(c, gin.H{
		"participants":            h.live.Roster(pollID),
		"expectedRespondentCount": h.live.ExpectedRespondentCount(pollID),
	})
}

// Events handles GET /polls/:id/events: server-sent events relayed from the results feed until the
// poll ends or the client goes away.
func (h *Handler) Events(c *gin.Context) {
	if h.feed == nil {
		response.ServiceUnavailable(c, "event feed not configured")
		return
	}
	pollID := c.Param("id")
	if _, err := h.repo.GetByID(c.Request.Context(), pollID); err != nil {
		response.Error(c, err)
		return
	}

	type feedEvent struct {
		name string
		data json.RawMessage
	}
	events := make(chan feedEvent, 64)
	cancel, err := h.feed.SubscribePoll(c.Request.Context(), pollID, func(event string, payload []byte) {
		select {
		case events <- feedEvent{name: event, data: payload}:
		default:
			h.logger.Warn("sse buffer full, dropping event", zap.String("poll_id", pollID), zap.String("event", event))
		}
	})
	if err != nil {
		response.Error(c, errors.Internal(err))
		return
	}
	defer cancel()

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			c.Writer.Flush()
			if ev.name == realtime.EventPollEnded {
				return
			}
		}
	}
}

func (h *Handler) record(ctx context.Context, pollID, action string, payload map[string]any) {
	if h.audit == nil {
		return
	}
	id := pollID
	if err := h.audit.Record(ctx, models.AuditLog{
		ID:        uuid.New(),
		PollID:    &id,
		ActorType: models.ActorModerator,
		Action:    action,
		Payload:   payload,
		CreatedAt: time.Now(),
	}); err != nil {
		h.logger.Warn("audit log", zap.String("poll_id", pollID), zap.String("action", action), zap.Error(err))
	}
}
