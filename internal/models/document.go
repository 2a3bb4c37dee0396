package models

import (
	"encoding/json"
	"time"
)

// Document is a read snapshot of a collaborative document.
type Document struct {
	ID             string          `json:"id"`
	Name           string          `json:"document_name"`
	Type           string          `json:"document_type"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Version        int64           `json:"version"`
	Content        json.RawMessage `json:"content,omitempty"`
	Collaborators  []string        `json:"collaborators"`
	LockHolder     string          `json:"lock_holder,omitempty"`
	LockAcquiredAt *time.Time      `json:"lock_acquired_at,omitempty"`
	LockExpiresAt  *time.Time      `json:"lock_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanEdit reports whether userID may take the edit lock. A document without an
// owner or invited collaborators is open to everyone.
func (d Document) CanEdit(userID string) bool {
	if d.OwnerID == "" && len(d.Collaborators) == 0 {
		return true
	}
	if userID == d.OwnerID {
		return true
	}
	for _, c := range d.Collaborators {
		if c == userID {
			return true
		}
	}
	return false
}

// LockToken proves ownership of a document's edit lock.
type LockToken struct {
	DocumentID string    `json:"document_id"`
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
