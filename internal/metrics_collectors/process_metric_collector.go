package metrics_collectors

import (
	"context"
	"os"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
)

// ProcessMetricCollector reports the resident memory of the running process.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
}

func (p *ProcessMetricCollector) Name() string {
	return "process_memory"
}

func (p *ProcessMetricCollector) Collect(ctx context.Context) (float64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}

	rss := float64(memInfo.RSS)
	p.Logger.Debug().Float64("process_memory", rss).Msg("Process memory collected successfully")
	return rss, nil
}

func (p *ProcessMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorProcess
}

func (p *ProcessMetricCollector) Unit() string {
	return "bytes"
}

func (p *ProcessMetricCollector) Description() string {
	return "Resident set size of the presence hub process."
}
