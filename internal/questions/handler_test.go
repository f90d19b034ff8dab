package questions_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/questions"
)

type fakeRepo struct {
	questions map[uuid.UUID]*models.Question
	stats     map[uuid.UUID]*models.QuestionStats
}

func (f *fakeRepo) Create(_ context.Context, q *models.Question) error {
	q.Status = models.QuestionStatusPending
	f.questions[q.ID] = q
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Question, error) {
	q, ok := f.questions[id]
	if !ok {
		return nil, errors.NotFound("question not found")
	}
	return q, nil
}

func (f *fakeRepo) ListByPoll(_ context.Context, pollID string) ([]models.Question, error) {
	var out []models.Question
	for _, q := range f.questions {
		if q.PollID == pollID {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (f *fakeRepo) StatsByQuestion(_ context.Context, id uuid.UUID) (*models.QuestionStats, error) {
	s, ok := f.stats[id]
	if !ok {
		return nil, errors.NotFound("no results for question")
	}
	return s, nil
}

type fakePolls map[string]*models.Poll

func (f fakePolls) GetActive(_ context.Context, id string) (*models.Poll, error) {
	p, ok := f[id]
	if !ok || p.Status != models.PollStatusActive {
		return nil, errors.NotFound("poll not found or inactive")
	}
	return p, nil
}

func setup(t *testing.T) (*gin.Engine, *fakeRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := &fakeRepo{questions: map[uuid.UUID]*models.Question{}, stats: map[uuid.UUID]*models.QuestionStats{}}
	pollsByID := fakePolls{
		"P1":     {ID: "P1", Status: models.PollStatusActive, Config: models.PollConfig{DefaultTimeLimit: 45}},
		"bare":   {ID: "bare", Status: models.PollStatusActive},
		"closed": {ID: "closed", Status: models.PollStatusClosed},
	}
	h := questions.NewHandler(repo, pollsByID)
	r := gin.New()
	r.POST("/polls/:id/questions", h.Create)
	r.GET("/polls/:id/questions", h.ListByPoll)
	r.GET("/questions/:id/results", h.Results)
	return r, repo
}

func call(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreate(t *testing.T) {
	twoOptions := []gin.H{{"text": "yes", "isCorrect": true}, {"text": "no"}}

	tests := map[string]struct {
		path          string
		body          any
		wantStatus    int
		wantTimeLimit int
	}{
		"uses poll default time limit": {
			path:          "/polls/P1/questions",
			body:          gin.H{"text": "Ready?", "options": twoOptions},
			wantStatus:    http.StatusCreated,
			wantTimeLimit: 45,
		},
		"falls back to sixty seconds": {
			path:          "/polls/bare/questions",
			body:          gin.H{"text": "Ready?", "options": twoOptions},
			wantStatus:    http.StatusCreated,
			wantTimeLimit: models.DefaultTimeLimit,
		},
		"explicit time limit": {
			path:          "/polls/P1/questions",
			body:          gin.H{"text": "Ready?", "options": twoOptions, "timeLimit": 10},
			wantStatus:    http.StatusCreated,
			wantTimeLimit: 10,
		},
		"one option": {
			path:       "/polls/P1/questions",
			body:       gin.H{"text": "Ready?", "options": []gin.H{{"text": "yes"}}},
			wantStatus: http.StatusBadRequest,
		},
		"duplicate option ids": {
			path:       "/polls/P1/questions",
			body:       gin.H{"text": "Ready?", "options": []gin.H{{"optionId": "a", "text": "yes"}, {"optionId": "a", "text": "no"}}},
			wantStatus: http.StatusBadRequest,
		},
		"blank text": {
			path:       "/polls/P1/questions",
			body:       gin.H{"text": "  ", "options": twoOptions},
			wantStatus: http.StatusBadRequest,
		},
		"closed poll": {
			path:       "/polls/closed/questions",
			body:       gin.H{"text": "Ready?", "options": twoOptions},
			wantStatus: http.StatusNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, repo := setup(t)
			w := call(t, r, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			if tc.wantStatus != http.StatusCreated {
				require.Empty(t, repo.questions)
				return
			}
			require.Len(t, repo.questions, 1)
			for _, q := range repo.questions {
				require.Equal(t, tc.wantTimeLimit, q.TimeLimit)
				require.Equal(t, models.QuestionStatusPending, q.Status)
				require.Len(t, q.Options, 2)
				for _, o := range q.Options {
					require.NotEmpty(t, o.OptionID)
				}
			}
		})
	}
}

func TestResults(t *testing.T) {
	r, repo := setup(t)
	id := uuid.New()
	repo.questions[id] = &models.Question{
		ID:      id,
		PollID:  "P1",
		Text:    "Ready?",
		Options: []models.Option{{OptionID: "A", Text: "yes"}, {OptionID: "B", Text: "no"}},
		Status:  models.QuestionStatusEnded,
	}

	w := call(t, r, http.MethodGet, "/questions/"+id.String()+"/results", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	repo.stats[id] = &models.QuestionStats{QuestionID: id, PollID: "P1", Counts: map[string]int{"A": 3}, Total: 3}
	w = call(t, r, http.MethodGet, "/questions/"+id.String()+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Data questions.ResultView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, map[string]int{"A": 3, "B": 0}, out.Data.Counts)
	require.Equal(t, map[string]int{"A": 100, "B": 0}, out.Data.Percentages)

	w = call(t, r, http.MethodGet, "/questions/not-a-uuid/results", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
