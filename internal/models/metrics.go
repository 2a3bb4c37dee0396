package models

// MetricsConfig selects which self-health collectors run and the alert
// threshold applied to each collected metric.
type MetricsConfig struct {
	MonitorCPU        bool `json:"monitor_cpu" yaml:"monitor_cpu"`
	MonitorMemory     bool `json:"monitor_memory" yaml:"monitor_memory"`
	MonitorDisk       bool `json:"monitor_disk" yaml:"monitor_disk"`
	MonitorGoroutines bool `json:"monitor_goroutines" yaml:"monitor_goroutines"`
	MonitorSessions   bool `json:"monitor_sessions" yaml:"monitor_sessions"`
	MonitorNetwork    bool `json:"monitor_network" yaml:"monitor_network"`
	MonitorProcess    bool `json:"monitor_process" yaml:"monitor_process"`

	// DiskPath is the filesystem probed by the disk collector.
	DiskPath string `json:"disk_path" yaml:"disk_path"`

	// Thresholds maps a metric name to the maximum value considered healthy.
	Thresholds map[string]float64 `json:"thresholds" yaml:"thresholds"`
}

// Exceeds reports whether value is above the configured maximum for metric.
func (c *MetricsConfig) Exceeds(metric string, value float64) bool {
	if c == nil {
		return false
	}
	max, ok := c.Thresholds[metric]
	return ok && value > max
}
