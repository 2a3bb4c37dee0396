package models

import (
	"encoding/json"
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
)

// Session is one participant's live presence record within a channel.
type Session struct {
	ID            string                  `json:"session_id"`
	Channel       string                  `json:"channel_name"`
	UserID        string                  `json:"user_id"`
	PresenceData  json.RawMessage         `json:"presence_data,omitempty"`
	DeviceInfo    json.RawMessage         `json:"device_info,omitempty"`
	Status        constants.SessionStatus `json:"status"`
	JoinedAt      time.Time               `json:"joined_at"`
	LastHeartbeat time.Time               `json:"last_heartbeat"`
}

// IsLive reports whether the session heartbeat is younger than ttl at now.
func (s Session) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastHeartbeat) < ttl
}

// Clone returns a copy that shares no memory with s.
func (s Session) Clone() Session {
	s.PresenceData = CloneRaw(s.PresenceData)
	s.DeviceInfo = CloneRaw(s.DeviceInfo)
	return s
}

// CloneRaw copies an opaque JSON payload.
func CloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// DocumentChannel returns the presence channel that mirrors a document.
func DocumentChannel(documentID string) string {
	return constants.DocumentChannelPrefix + documentID
}
