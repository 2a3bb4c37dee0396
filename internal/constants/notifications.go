package constants

const (
	// UrgentPriority is the highest priority value still treated as urgent (lower is more urgent).
	UrgentPriority = 3

	// DefaultDispatchWorkers sizes the notification fan-out worker pool.
	DefaultDispatchWorkers = 10
)
