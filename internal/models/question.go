package models

import (
	"time"

	"github.com/google/uuid"
)

// QuestionStatus is the lifecycle status of a question.
type QuestionStatus string

const (
	QuestionStatusPending QuestionStatus = "pending"
	QuestionStatusActive  QuestionStatus = "active"
	QuestionStatusEnded   QuestionStatus = "ended"
)

// MinOptions is the smallest number of options a question may have.
const MinOptions = 2

// Option is one answer choice. IsCorrect must never reach participant-role viewers.
type Option struct {
	OptionID  string `json:"option_id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question represents one multiple-choice prompt within a poll.
type Question struct {
	ID        uuid.UUID      `json:"id"`
	PollID    string         `json:"poll_id"`
	Text      string         `json:"text"`
	Options   []Option       `json:"options"`
	TimeLimit int            `json:"time_limit"` // seconds
	Status    QuestionStatus `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// HasOption reports whether optionID is one of the question's options.
func (q *Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.OptionID == optionID {
			return true
		}
	}
	return false
}

// QuestionStats is the final aggregate of a question, written exactly once when it closes.
type QuestionStats struct {
	QuestionID    uuid.UUID      `json:"question_id"`
	PollID        string         `json:"poll_id"`
	Counts        map[string]int `json:"counts"`
	Total         int            `json:"total"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}
