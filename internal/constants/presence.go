package constants

import "time"

// SessionStatus is the presence state of a session within a channel.
type SessionStatus string

const (
	// StatusOnline indicates the session heartbeats and the user is active
	StatusOnline SessionStatus = "online"
	// StatusIdle indicates the connection is alive but the user is inactive
	StatusIdle SessionStatus = "idle"
	// StatusOffline is only reported on the terminal leave event
	StatusOffline SessionStatus = "offline"
)

const (
	// DefaultSessionTTL tolerates one dropped 15s heartbeat before expiry.
	DefaultSessionTTL = 30 * time.Second

	// DefaultIdleThreshold is the silence after which an online session is marked idle.
	DefaultIdleThreshold = 20 * time.Second

	// DefaultReapInterval is the HeartbeatClock tick, which bounds roster staleness.
	DefaultReapInterval = 5 * time.Second
)

// Channel name prefixes used by the dashboard.
const (
	DocumentChannelPrefix = "document:"
	TypingChannelPrefix   = "typing:"
)
