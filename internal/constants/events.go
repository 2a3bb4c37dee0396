package constants

// EventType names an outbound roster/document event.
type EventType string

const (
	EventSessionJoined          EventType = "sessionJoined"
	EventSessionLeft            EventType = "sessionLeft"
	EventSessionStatusChanged   EventType = "sessionStatusChanged"
	EventDocumentVersionChanged EventType = "documentVersionChanged"
	EventLockChanged            EventType = "lockChanged"
)

// Event reasons
const (
	ReasonLeave     = "leave"
	ReasonExpired   = "expired"
	ReasonIdle      = "idle"
	ReasonActive    = "active"
	ReasonPresence  = "presence"
	ReasonAcquired  = "acquired"
	ReasonReclaimed = "reclaimed"
	ReasonReleased  = "released"
	ReasonUpdated   = "updated"
)

// DefaultEventBuffer is the capacity of the outbound event queue.
const DefaultEventBuffer = 1024
