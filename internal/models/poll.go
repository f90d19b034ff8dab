package models

import (
	"time"

	"github.com/google/uuid"
)

// PollStatus is the lifecycle status of a poll.
type PollStatus string

const (
	PollStatusDraft  PollStatus = "draft"
	PollStatusActive PollStatus = "active"
	PollStatusClosed PollStatus = "closed"
)

// DefaultTimeLimit is used when neither the question nor the poll config sets one (seconds).
const DefaultTimeLimit = 60

// PollConfig holds per-poll settings chosen by the moderator.
type PollConfig struct {
	DefaultTimeLimit int `json:"default_time_limit"`
	MaxStudents      int `json:"max_students"` // 0 = unlimited
}

// Poll is a live session containing a sequence of questions. ID is the human friendly id used in URLs.
type Poll struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Status            PollStatus `json:"status"`
	Config            PollConfig `json:"config"`
	CurrentQuestionID *uuid.UUID `json:"current_question_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TimeLimitOrDefault returns the poll's default question time limit in seconds.
func (p *Poll) TimeLimitOrDefault() int {
	if p.Config.DefaultTimeLimit > 0 {
		return p.Config.DefaultTimeLimit
	}
	return DefaultTimeLimit
}
