package questions

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/pkg/response"
)

// QuestionRepository is the question persistence used by the handler.
type QuestionRepository interface {
	Create(ctx context.Context, q *models.Question) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error)
	ListByPoll(ctx context.Context, pollID string) ([]models.Question, error)
	StatsByQuestion(ctx context.Context, id uuid.UUID) (*models.QuestionStats, error)
}

// PollFinder resolves the poll a question is created in.
type PollFinder interface {
	GetActive(ctx context.Context, id string) (*models.Poll, error)
}

// CreateRequest is the body for POST /polls/:id/questions.
type CreateRequest struct {
	Text      string                 `json:"text" binding:"required"`
	Options   []realtime.OptionInput `json:"options" binding:"required"`
	TimeLimit int                    `json:"timeLimit"`
}

// ResultView is the response of GET /questions/:id/results.
type ResultView struct {
	QuestionID  string                `json:"questionId"`
	PollID      string                `json:"pollId"`
	Text        string                `json:"text"`
	Status      models.QuestionStatus `json:"status"`
	Options     []models.Option       `json:"options"`
	Counts      map[string]int        `json:"counts"`
	Total       int                   `json:"total"`
	Percentages map[string]int        `json:"percentages"`
}

// Handler handles question HTTP endpoints. Opening and ending questions happens over the WebSocket.
type Handler struct {
	repo  QuestionRepository
	polls PollFinder
}

// NewHandler creates a questions handler.
func NewHandler(repo QuestionRepository, polls PollFinder) *Handler {
	return &Handler{repo: repo, polls: polls}
}

// Create handles POST /polls/:id/questions: stores a pending question for later opening.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		response.BadRequest(c, "text is required")
		return
	}
	if req.TimeLimit < 0 {
		response.BadRequest(c, "timeLimit must not be negative")
		return
	}
	opts, err := realtime.NewOptions(req.Options)
	if err != nil {
		response.Error(c, err)
		return
	}

	poll, err := h.polls.GetActive(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	q := &models.Question{
		ID:        uuid.New(),
		PollID:    poll.ID,
		Text:      text,
		Options:   opts,
		TimeLimit: req.TimeLimit,
	}
	if q.TimeLimit == 0 {
		q.TimeLimit = poll.TimeLimitOrDefault()
	}
	if err := h.repo.Create(ctx, q); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, q)
}

// ListByPoll handles GET /polls/:id/questions.
func (h *Handler) ListByPoll(c *gin.Context) {
	list, err := h.repo.ListByPoll(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Question{}
	}
	response.OK(c, gin.H{"questions": list})
}

// Results handles GET /questions/:id/results.
func (h *Handler) Results(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid question id")
		return
	}
	q, err := h.repo.GetByID(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	stats, err := h.repo.StatsByQuestion(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	counts := make(map[string]int, len(q.Options))
	for _, o := range q.Options {
		counts[o.OptionID] = 0
	}
	for k, v := range stats.Counts {
		counts[k] = v
	}
	response.OK(c, ResultView{
		QuestionID:  q.ID.String(),
		PollID:      q.PollID,
		Text:        q.Text,
		Status:      q.Status,
		Options:     q.Options,
		Counts:      counts,
		Total:       stats.Total,
		Percentages: realtime.Percentages(counts, stats.Total),
	})
}
