package metrics_collectors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"
)

// ErrNoBaseline is returned by rate collectors until a previous reading exists.
var ErrNoBaseline = errors.New("no baseline reading yet")

// NetworkMetricCollector reports host network throughput (received plus sent)
// in bytes per second since the previous collection.
type NetworkMetricCollector struct {
	Logger zerolog.Logger

	mu sync.Mutex
	// cache previous values for rate calculation
	lastIn   uint64
	lastOut  uint64
	lastTime time.Time
}

// Name returns the identifier for the network metric collector.
func (n *NetworkMetricCollector) Name() string {
	return "network_throughput"
}

// Collect retrieves the network I/O rate. The first call only records the
// baseline and returns ErrNoBaseline.
func (n *NetworkMetricCollector) Collect(ctx context.Context) (float64, error) {
	netStats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(netStats) == 0 {
		return 0, errors.New("network statistics are empty")
	}
	return n.rate(netStats[0].BytesRecv, netStats[0].BytesSent, time.Now())
}

func (n *NetworkMetricCollector) rate(in, out uint64, now time.Time) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prevIn, prevOut, prevTime := n.lastIn, n.lastOut, n.lastTime
	n.lastIn, n.lastOut, n.lastTime = in, out, now

	if prevTime.IsZero() {
		return 0, ErrNoBaseline
	}
	secs := now.Sub(prevTime).Seconds()
	// Counters reset when an interface goes away.
	if secs <= 0 || in < prevIn || out < prevOut {
		return 0, ErrNoBaseline
	}

	rate := float64((in-prevIn)+(out-prevOut)) / secs
	n.Logger.Debug().Float64("network_throughput", rate).Msg("Network I/O rate collected successfully")
	return rate, nil
}

// IsEnabled checks if network monitoring is enabled in the configuration.
func (n *NetworkMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorNetwork
}

// Unit specifies the unit for the network I/O rate metric.
func (n *NetworkMetricCollector) Unit() string {
	return "bytes per second"
}

// Description provides a summary of the network metric collected.
func (n *NetworkMetricCollector) Description() string {
	return "Network receive plus send rate in bytes per second."
}
