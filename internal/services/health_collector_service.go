package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/metrics_collectors"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/rs/zerolog"
)

// SampleRecorder stores collected health samples.
type SampleRecorder interface {
	Record(componentName, metric string, value float64, unit string, exceeded bool) (models.HealthSample, error)
}

// HealthCollectorService periodically samples the process's own health and
// records the results in the health aggregator under one component name.
type HealthCollectorService struct {
	component     string
	interval      time.Duration
	timeout       time.Duration
	metricsConfig *models.MetricsConfig
	registry      *metrics_collectors.MetricsRegistry
	recorder      SampleRecorder
	workerPool    *utils.WorkerPool
	logger        zerolog.Logger

	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealthCollectorService initializes the service with the default
// collectors. sessions may be nil when session counting is not wanted.
func NewHealthCollectorService(
	component string,
	interval, timeout time.Duration,
	metricsConfig models.MetricsConfig,
	sessions metrics_collectors.SessionCounter,
	recorder SampleRecorder,
	logger zerolog.Logger,
) *HealthCollectorService {
	if timeout <= 0 {
		timeout = constants.DefaultCollectorTimeout
	}
	service := &HealthCollectorService{
		component:     component,
		interval:      interval,
		timeout:       timeout,
		metricsConfig: &metricsConfig,
		registry:      metrics_collectors.NewMetricsRegistry(),
		recorder:      recorder,
		workerPool:    utils.NewWorkerPool(4),
		logger:        logger,
	}

	service.registerDefaultCollectors(sessions)
	return service
}

func (h *HealthCollectorService) registerDefaultCollectors(sessions metrics_collectors.SessionCounter) {
	h.registry.Register(&metrics_collectors.CPUMetricCollector{Logger: h.logger})
	h.registry.Register(&metrics_collectors.MemoryMetricCollector{Logger: h.logger})
	h.registry.Register(&metrics_collectors.DiskMetricCollector{Logger: h.logger, Path: h.metricsConfig.DiskPath})
	h.registry.Register(&metrics_collectors.GoroutineMetricCollector{})
	h.registry.Register(&metrics_collectors.NetworkMetricCollector{Logger: h.logger})
	h.registry.Register(&metrics_collectors.ProcessMetricCollector{Logger: h.logger})
	if sessions != nil {
		h.registry.Register(&metrics_collectors.SessionMetricCollector{Sessions: sessions})
	}
}

// Registry exposes the collector registry so callers can add collectors
// before Start.
func (h *HealthCollectorService) Registry() *metrics_collectors.MetricsRegistry {
	return h.registry
}

// Start validates the metric selection and launches the collection loop.
func (h *HealthCollectorService) Start() error {
	if h.ctx != nil {
		h.logger.Warn().Msg("HealthCollectorService is already running")
		return errors.New("health collector service is already running")
	}
	if h.interval <= 0 {
		return errors.New("health collector interval must be positive")
	}
	if err := h.validateMetricsConfig(); err != nil {
		h.logger.Error().Err(err).Msg("Invalid health collector configuration")
		return err
	}

	h.logger.Info().Str("component", h.component).Msg("Starting HealthCollectorService...")
	if h.stopped {
		h.workerPool = utils.NewWorkerPool(h.workerPool.Size())
		h.stopped = false
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.wg.Add(1)
	go h.runCollectionLoop()

	h.logger.Info().Dur("interval", h.interval).Msg("HealthCollectorService started successfully")
	return nil
}

func (h *HealthCollectorService) validateMetricsConfig() error {
	for _, c := range h.registry.GetCollectors() {
		if c.IsEnabled(h.metricsConfig) {
			return nil
		}
	}
	return errors.New("no health metrics enabled in configuration")
}

func (h *HealthCollectorService) runCollectionLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Collect(h.ctx)
		case <-h.ctx.Done():
			h.logger.Info().Msg("Stopping health collection")
			return
		}
	}
}

// Collect runs every enabled collector concurrently and records one sample
// per successful collector. It returns the recorded samples ordered by metric.
func (h *HealthCollectorService) Collect(parent context.Context) []models.HealthSample {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	collectors := h.registry.GetCollectors()
	results := make([]*models.HealthSample, len(collectors))

	var wg sync.WaitGroup
	for i, collector := range collectors {
		i, collector := i, collector
		if !collector.IsEnabled(h.metricsConfig) {
			continue
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			value, err := collector.Collect(ctx)
			if errors.Is(err, metrics_collectors.ErrNoBaseline) {
				h.logger.Debug().Str("metric", collector.Name()).Msg("Health metric has no baseline yet")
				return
			}
			if err != nil {
				h.logger.Error().Err(err).Str("metric", collector.Name()).Msg("Failed to collect health metric")
				return
			}
			exceeded := h.metricsConfig.Exceeds(collector.Name(), value)
			sample, err := h.recorder.Record(h.component, collector.Name(), value, collector.Unit(), exceeded)
			if err != nil {
				h.logger.Error().Err(err).Str("metric", collector.Name()).Msg("Failed to record health sample")
				return
			}
			results[i] = &sample
		}
		if !h.workerPool.Submit(task) {
			wg.Done()
		}
	}
	wg.Wait()

	samples := make([]models.HealthSample, 0, len(results))
	for _, s := range results {
		if s != nil {
			samples = append(samples, *s)
		}
	}
	h.logger.Debug().Int("samples", len(samples)).Msg("Health metrics collected successfully")
	return samples
}

// Stop gracefully stops the collection loop.
func (h *HealthCollectorService) Stop() error {
	if h.ctx == nil {
		h.logger.Warn().Msg("HealthCollectorService is not running")
		return errors.New("health collector service is not running")
	}

	h.logger.Info().Msg("Stopping HealthCollectorService...")
	h.cancel()
	h.wg.Wait()
	h.workerPool.Shutdown()
	h.stopped = true
	h.ctx = nil
	h.logger.Info().Msg("HealthCollectorService stopped successfully")
	return nil
}
