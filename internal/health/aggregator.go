// Package health aggregates per-component health samples in bounded rings.
package health

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/utils"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// SampleSink persists recorded samples outside the process.
type SampleSink interface {
	Name() string
	SaveSample(ctx context.Context, sample models.HealthSample) error
}

type component struct {
	mu    sync.RWMutex
	seq   uint64
	rings map[string]*ring
}

// Aggregator keeps the most recent samples of every (component, metric) pair.
type Aggregator struct {
	components cmap.ConcurrentMap[string, *component]
	capacity   int
	clock      clock.Clock
	logger     zerolog.Logger

	sinks       []SampleSink
	pool        *utils.WorkerPool
	sinkTimeout time.Duration
}

// NewAggregator creates an aggregator retaining capacity samples per pair.
func NewAggregator(capacity int, c clock.Clock, logger zerolog.Logger) *Aggregator {
	if capacity <= 0 {
		capacity = constants.DefaultRingCapacity
	}
	return &Aggregator{
		components: cmap.New[*component](),
		capacity:   capacity,
		clock:      c,
		logger:     logger,
	}
}

// SetSampleWriter makes every recorded sample write through to sinks on pool.
func (a *Aggregator) SetSampleWriter(pool *utils.WorkerPool, timeout time.Duration, sinks ...SampleSink) {
	a.pool = pool
	a.sinkTimeout = timeout
	a.sinks = sinks
}

// Capacity returns the ring size per (component, metric).
func (a *Aggregator) Capacity() int {
	return a.capacity
}

// Record appends a sample stamped with the server clock.
func (a *Aggregator) Record(componentName, metric string, value float64, unit string, exceeded bool) (models.HealthSample, error) {
	return a.RecordSample(models.HealthSample{
		Component:         componentName,
		Metric:            metric,
		Value:             value,
		Unit:              unit,
		ThresholdExceeded: exceeded,
	})
}

// RecordSample appends s. Its timestamp is always replaced by the server clock.
func (a *Aggregator) RecordSample(s models.HealthSample) (models.HealthSample, error) {
	s.Component = strings.TrimSpace(s.Component)
	s.Metric = strings.TrimSpace(s.Metric)
	if s.Component == "" || s.Metric == "" || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return models.HealthSample{}, models.ErrInvalidSample
	}
	s.Metadata = models.CloneRaw(s.Metadata)

	c := a.components.Upsert(s.Component, nil, func(exist bool, cur, _ *component) *component {
		if exist {
			return cur
		}
		return &component{rings: make(map[string]*ring)}
	})

	c.mu.Lock()
	r, ok := c.rings[s.Metric]
	if !ok {
		r = newRing(a.capacity)
		c.rings[s.Metric] = r
	}
	c.seq++
	s.Seq = c.seq
	s.Timestamp = a.clock.Now()
	r.push(s)
	c.mu.Unlock()

	if s.ThresholdExceeded {
		a.logger.Warn().
			Str("component", s.Component).
			Str("metric", s.Metric).
			Float64("value", s.Value).
			Msg("Health threshold exceeded")
	}
	a.persist(s)
	return s, nil
}

// Latest returns up to limit samples of the component across all metrics,
// most recent first. It never returns more than the ring capacity.
func (a *Aggregator) Latest(componentName string, limit int) []models.HealthSample {
	return a.collect(componentName, limit, time.Time{})
}

// Since returns the component's retained samples recorded within window of
// now, most recent first.
func (a *Aggregator) Since(componentName string, window time.Duration) []models.HealthSample {
	return a.collect(componentName, a.capacity, a.clock.Now().Add(-window))
}

func (a *Aggregator) collect(componentName string, limit int, from time.Time) []models.HealthSample {
	if limit > a.capacity {
		limit = a.capacity
	}
	c, ok := a.components.Get(componentName)
	if !ok || limit <= 0 {
		return []models.HealthSample{}
	}

	var out []models.HealthSample
	c.mu.RLock()
	for _, r := range c.rings {
		taken := 0
		r.newestFirst(func(s models.HealthSample) bool {
			if s.Timestamp.Before(from) || taken == limit {
				return false
			}
			out = append(out, cloneSample(s))
			taken++
			return true
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LatestMetric returns the newest sample of one metric.
func (a *Aggregator) LatestMetric(componentName, metric string) (models.HealthSample, bool) {
	c, ok := a.components.Get(componentName)
	if !ok {
		return models.HealthSample{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rings[metric]
	if !ok {
		return models.HealthSample{}, false
	}
	s, ok := r.latest()
	return cloneSample(s), ok
}

// IsHealthy reports whether no retained sample of the component is flagged.
// Unknown components are healthy.
func (a *Aggregator) IsHealthy(componentName string) bool {
	c, ok := a.components.Get(componentName)
	if !ok {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rings {
		if r.exceeded > 0 {
			return false
		}
	}
	return true
}

// Components returns the sorted names of components with samples.
func (a *Aggregator) Components() []string {
	names := a.components.Keys()
	sort.Strings(names)
	return names
}

// Summary reports the health of every component, sorted by name.
func (a *Aggregator) Summary() []models.ComponentHealth {
	out := make([]models.ComponentHealth, 0, a.components.Count())
	for _, name := range a.Components() {
		c, ok := a.components.Get(name)
		if !ok {
			continue
		}
		h := models.ComponentHealth{Component: name, Healthy: true}
		c.mu.RLock()
		h.Metrics = len(c.rings)
		for _, r := range c.rings {
			h.Samples += r.size
			if r.exceeded > 0 {
				h.Healthy = false
			}
			if s, ok := r.latest(); ok && s.Timestamp.After(h.LastSampleAt) {
				h.LastSampleAt = s.Timestamp
			}
		}
		c.mu.RUnlock()
		out = append(out, h)
	}
	return out
}

func cloneSample(s models.HealthSample) models.HealthSample {
	s.Metadata = models.CloneRaw(s.Metadata)
	return s
}

func (a *Aggregator) persist(s models.HealthSample) {
	if len(a.sinks) == 0 || a.pool == nil {
		return
	}
	a.pool.Submit(func() {
		for _, sink := range a.sinks {
			ctx, cancel := a.sinkContext()
			if err := sink.SaveSample(ctx, s); err != nil {
				a.logger.Error().Err(err).
					Str("sink", sink.Name()).
					Str("component", s.Component).
					Str("metric", s.Metric).
					Msg("Failed to persist health sample")
			}
			cancel()
		}
	})
}

func (a *Aggregator) sinkContext() (context.Context, context.CancelFunc) {
	if a.sinkTimeout > 0 {
		return context.WithTimeout(context.Background(), a.sinkTimeout)
	}
	return context.WithCancel(context.Background())
}
