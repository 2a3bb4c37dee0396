package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/health"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	name  string
	value float64
	err   error
}

func (s *stubCollector) Name() string                             { return s.name }
func (s *stubCollector) Collect(context.Context) (float64, error) { return s.value, s.err }
func (s *stubCollector) IsEnabled(*models.MetricsConfig) bool     { return true }
func (s *stubCollector) Unit() string                             { return "count" }
func (s *stubCollector) Description() string                      { return "stub" }

type staticSessions int

func (s staticSessions) TotalSessions() int { return int(s) }

func TestHealthCollector_CollectRecordsSamples(t *testing.T) {
	c := newCore(t)
	cfg := models.MetricsConfig{
		MonitorSessions:   true,
		MonitorGoroutines: true,
		Thresholds:        map[string]float64{"active_sessions": 2},
	}
	svc := NewHealthCollectorService("presenced", time.Minute, time.Second, cfg, staticSessions(3), c.aggregator, zerolog.Nop())
	svc.Registry().Register(&stubCollector{name: "queue_depth", value: 7})
	svc.Registry().Register(&stubCollector{name: "broken", err: errors.New("probe failed")})

	samples := svc.Collect(context.Background())
	require.Len(t, samples, 3)
	assert.Equal(t, "active_sessions", samples[0].Metric)
	assert.Equal(t, "goroutines", samples[1].Metric)
	assert.Equal(t, "queue_depth", samples[2].Metric)

	sessions, ok := c.aggregator.LatestMetric("presenced", "active_sessions")
	require.True(t, ok)
	assert.Equal(t, 3.0, sessions.Value)
	assert.True(t, sessions.ThresholdExceeded)

	depth, ok := c.aggregator.LatestMetric("presenced", "queue_depth")
	require.True(t, ok)
	assert.False(t, depth.ThresholdExceeded)

	_, ok = c.aggregator.LatestMetric("presenced", "broken")
	assert.False(t, ok)
	assert.False(t, c.aggregator.IsHealthy("presenced"))
}

func TestHealthCollector_StartRequiresEnabledMetric(t *testing.T) {
	svc := NewHealthCollectorService("presenced", time.Minute, time.Second, models.MetricsConfig{}, nil,
		health.NewAggregator(0, clock.SystemClock{}, zerolog.Nop()), zerolog.Nop())

	err := svc.Start()
	assert.EqualError(t, err, "no health metrics enabled in configuration")
	assert.EqualError(t, svc.Stop(), "health collector service is not running")
}

func TestHealthCollector_StartStop(t *testing.T) {
	c := newCore(t)
	svc := NewHealthCollectorService("presenced", 5*time.Millisecond, time.Second,
		models.MetricsConfig{MonitorGoroutines: true}, nil, c.aggregator, zerolog.Nop())

	require.NoError(t, svc.Start())
	assert.EqualError(t, svc.Start(), "health collector service is already running")

	assert.Eventually(t, func() bool {
		_, ok := c.aggregator.LatestMetric("presenced", "goroutines")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Stop())
}
