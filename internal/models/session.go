package models

import "time"

// Session is the durable record of a connected client (one per browser tab).
type Session struct {
	ClientID    string    `json:"client_id"`
	DisplayName string    `json:"display_name"`
	PollID      string    `json:"poll_id"`
	Role        string    `json:"role"`
	SocketID    *string   `json:"socket_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
