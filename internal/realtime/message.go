package realtime

import "encoding/json"

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventOpenQuestion = "open_question"
	EventSubmitAnswer = "submit_answer"
	EventEndQuestion  = "end_question"
	EventKick         = "kick"
)

// Outbound events.
const (
	EventJoined                  = "joined"
	EventRosterUpdate            = "roster_update"
	EventQuestionOpened          = "question_opened"
	EventQuestionOpenedModerator = "question_opened_moderator"
	EventLiveUpdate              = "live_update"
	EventFinalUpdate             = "final_update"
	EventKicked                  = "kicked"
	EventError                   = "error"
	EventPollEnded               = "poll_ended"
	EventOpenAck                 = "open_ack"
	EventSubmitAck               = "submit_ack"
	EventEndAck                  = "end_ack"
	EventKickAck                 = "kick_ack"
)

// JoinRequest is the payload of join.
type JoinRequest struct {
	PollID      string `json:"pollId"`
	Role        string `json:"role"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// OptionInput is an option supplied with an inline open_question.
type OptionInput struct {
	OptionID  string `json:"optionId,omitempty"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// OpenRequest opens either a stored pending question (QuestionID) or a new inline one (Text+Options).
type OpenRequest struct {
	PollID     string        `json:"pollId"`
	QuestionID string        `json:"questionId,omitempty"`
	Text       string        `json:"text,omitempty"`
	Options    []OptionInput `json:"options,omitempty"`
	TimeLimit  int           `json:"timeLimit,omitempty"`
}

// SubmitRequest is the payload of submit_answer.
type SubmitRequest struct {
	PollID     string `json:"pollId"`
	QuestionID string `json:"questionId"`
	ClientID   string `json:"clientId"`
	OptionID   string `json:"optionId"`
}

// EndRequest is the payload of end_question.
type EndRequest struct {
	PollID     string `json:"pollId"`
	QuestionID string `json:"questionId"`
}

// KickRequest is the payload of kick.
type KickRequest struct {
	PollID   string `json:"pollId"`
	ClientID string `json:"clientId"`
}

// LeaveRequest is the payload of leave.
type LeaveRequest struct {
	PollID string `json:"pollId"`
}

// Ack answers a request event.
type Ack struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	QuestionID string `json:"questionId,omitempty"`
}

// JoinedPayload is sent to a client once its join is accepted.
type JoinedPayload struct {
	PollID          string         `json:"pollId"`
	ClientID        string         `json:"clientId"`
	Role            Role           `json:"role"`
	CurrentQuestion any            `json:"currentQuestion"`
	Results         *ResultsUpdate `json:"results,omitempty"`
	RemainingTime   int            `json:"remainingTime,omitempty"`
}

// RosterPayload is the payload of roster_update.
type RosterPayload struct {
	Participants []ParticipantView `json:"participants"`
}

// KickedPayload is the notice sent to a transport right before it is closed.
type KickedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload carries a human readable error.
type ErrorPayload struct {
	Message    string `json:"message"`
	QuestionID string `json:"questionId,omitempty"`
}

// PollEndedPayload is broadcast when the moderator closes the poll.
type PollEndedPayload struct {
	PollID string `json:"pollId"`
}
