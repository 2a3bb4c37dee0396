package models

import (
	"encoding/json"
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
)

// Notification is an ephemeral, priority-tagged message for one user.
// Lower Priority values are more urgent.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"notification_type"`
	Priority  int             `json:"priority"`
	Title     string          `json:"title"`
	Body      string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Urgent reports whether the notification needs immediate attention.
func (n Notification) Urgent() bool {
	return n.Priority <= constants.UrgentPriority
}

// Key identifies duplicates of the same notification.
func (n Notification) Key() string {
	if n.DedupeKey != "" {
		return n.DedupeKey
	}
	return n.ID
}
