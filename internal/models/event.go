package models

import (
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
)

// Event is an outbound roster, document or lock change for pub/sub fan-out.
type Event struct {
	Type       constants.EventType     `json:"type"`
	Channel    string                  `json:"channel,omitempty"`
	SessionID  string                  `json:"session_id,omitempty"`
	UserID     string                  `json:"user_id,omitempty"`
	DocumentID string                  `json:"document_id,omitempty"`
	Version    int64                   `json:"version,omitempty"`
	LockHolder string                  `json:"lock_holder,omitempty"`
	Status     constants.SessionStatus `json:"status,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Scope is the channel or, failing that, the document the event belongs to.
func (e Event) Scope() string {
	if e.Channel != "" {
		return e.Channel
	}
	return e.DocumentID
}
