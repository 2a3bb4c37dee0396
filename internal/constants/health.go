package constants

import "time"

const (
	// DefaultRingCapacity is the number of samples kept per (component, metric) pair.
	DefaultRingCapacity = 50

	// DefaultHealthComponent is the component name used for the service's own samples.
	DefaultHealthComponent = "presenced"

	// DefaultCollectorInterval is the period of the self-health collector.
	DefaultCollectorInterval = 15 * time.Second

	// DefaultCollectorTimeout bounds a single collection round.
	DefaultCollectorTimeout = 5 * time.Second
)
