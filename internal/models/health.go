package models

import (
	"encoding/json"
	"time"
)

// HealthSample is one immutable (component, metric, value) observation.
type HealthSample struct {
	Component         string          `json:"component_name"`
	Metric            string          `json:"metric_name"`
	Value             float64         `json:"metric_value"`
	Unit              string          `json:"metric_unit"`
	Timestamp         time.Time       `json:"timestamp"`
	ThresholdExceeded bool            `json:"alert_threshold_exceeded"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`

	// Seq orders samples recorded within the same clock reading.
	Seq uint64 `json:"-"`
}

// ComponentHealth summarises a component for the dashboard.
type ComponentHealth struct {
	Component    string    `json:"component_name"`
	Healthy      bool      `json:"healthy"`
	Metrics      int       `json:"metrics"`
	Samples      int       `json:"samples"`
	LastSampleAt time.Time `json:"last_sample_at"`
}
