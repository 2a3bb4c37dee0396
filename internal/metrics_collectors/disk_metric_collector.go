package metrics_collectors

import (
	"context"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
)

// DiskMetricCollector collects disk usage of the filesystem holding Path.
type DiskMetricCollector struct {
	Logger zerolog.Logger
	Path   string
}

func (d *DiskMetricCollector) Name() string {
	return "disk_usage"
}

func (d *DiskMetricCollector) Collect(ctx context.Context) (float64, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}
	diskStats, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return diskStats.UsedPercent, nil
}

func (d *DiskMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorDisk
}

func (d *DiskMetricCollector) Unit() string {
	return "percentage"
}

func (d *DiskMetricCollector) Description() string {
	return "Percentage of disk space used on the data filesystem."
}
