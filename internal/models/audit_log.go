package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	AuditCreatePoll    = "create_poll"
	AuditEndPoll       = "end_poll"
	AuditStartQuestion = "start_question"
	AuditEndQuestion   = "end_question"
	AuditKick          = "kick"
)

// Actor types.
const (
	ActorModerator = "moderator"
	ActorSystem    = "system"
)

// AuditLog records a moderator or system action on a poll.
type AuditLog struct {
	ID        uuid.UUID      `json:"id"`
	PollID    *string        `json:"poll_id,omitempty"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
