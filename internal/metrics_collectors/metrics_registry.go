package metrics_collectors

import (
	"sort"
	"sync"
)

// MetricsRegistry manages the metric collectors run by the health collector.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// Register adds a metric collector, replacing any with the same name.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// GetCollectors returns the registered collectors ordered by name.
func (r *MetricsRegistry) GetCollectors() []MetricCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MetricCollector, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
