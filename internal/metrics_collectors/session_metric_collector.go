package metrics_collectors

import (
	"context"

	"github.com/benmeehan/presence-hub/internal/models"
)

// SessionCounter reports the number of registered presence sessions.
type SessionCounter interface {
	TotalSessions() int
}

// SessionMetricCollector reports how many presence sessions are registered.
type SessionMetricCollector struct {
	Sessions SessionCounter
}

func (s *SessionMetricCollector) Name() string {
	return "active_sessions"
}

func (s *SessionMetricCollector) Collect(context.Context) (float64, error) {
	return float64(s.Sessions.TotalSessions()), nil
}

func (s *SessionMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorSessions && s.Sessions != nil
}

func (s *SessionMetricCollector) Unit() string {
	return "count"
}

func (s *SessionMetricCollector) Description() string {
	return "Presence sessions currently registered across all channels."
}
