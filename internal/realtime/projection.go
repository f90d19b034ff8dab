package realtime

import (
	"math"

	"github.com/livepoll/backend/internal/models"
)

// OptionView is an option as shown to participants.
type OptionView struct {
	OptionID string `json:"optionId"`
	Text     string `json:"text"`
}

// ModeratorOptionView additionally reveals the correct answer.
type ModeratorOptionView struct {
	OptionID  string `json:"optionId"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// QuestionView is the participant projection of a question.
type QuestionView struct {
	QuestionID string       `json:"questionId"`
	Text       string       `json:"text"`
	Options    []OptionView `json:"options"`
	TimeLimit  int          `json:"timeLimit"`
}

// ModeratorQuestionView is the moderator projection of a question.
type ModeratorQuestionView struct {
	QuestionID string                `json:"questionId"`
	Text       string                `json:"text"`
	Options    []ModeratorOptionView `json:"options"`
	TimeLimit  int                   `json:"timeLimit"`
}

// ResultsUpdate is the payload of live_update and final_update. Both roles receive the same shape.
type ResultsUpdate struct {
	QuestionID              string         `json:"questionId"`
	Counts                  map[string]int `json:"counts"`
	Total                   int            `json:"total"`
	Percentages             map[string]int `json:"percentages"`
	ExpectedRespondentCount int            `json:"expectedRespondentCount"`
}

func participantView(q *models.Question) QuestionView {
	opts := make([]OptionView, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, OptionView{OptionID: o.OptionID, Text: o.Text})
	}
	return QuestionView{QuestionID: q.ID.String(), Text: q.Text, Options: opts, TimeLimit: q.TimeLimit}
}

func moderatorView(q *models.Question) ModeratorQuestionView {
	opts := make([]ModeratorOptionView, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, ModeratorOptionView{OptionID: o.OptionID, Text: o.Text, IsCorrect: o.IsCorrect})
	}
	return ModeratorQuestionView{QuestionID: q.ID.String(), Text: q.Text, Options: opts, TimeLimit: q.TimeLimit}
}

// Percentages rounds count/total*100 half away from zero. With total == 0 every option is 0.
func Percentages(counts map[string]int, total int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, c := range counts {
		if total <= 0 {
			out[k] = 0
			continue
		}
		out[k] = int(math.Round(float64(c) / float64(total) * 100))
	}
	return out
}

func newResultsUpdate(s Snapshot, expected int) ResultsUpdate {
	return ResultsUpdate{
		QuestionID:              s.QuestionID,
		Counts:                  s.Counts,
		Total:                   s.Total,
		Percentages:             Percentages(s.Counts, s.Total),
		ExpectedRespondentCount: expected,
	}
}
