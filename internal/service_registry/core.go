package service_registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/gateway"
	"github.com/benmeehan/presence-hub/internal/health"
	"github.com/benmeehan/presence-hub/internal/notifications"
	"github.com/benmeehan/presence-hub/internal/presence"
	"github.com/benmeehan/presence-hub/internal/services"
	"github.com/benmeehan/presence-hub/internal/state_managers"
	"github.com/benmeehan/presence-hub/internal/storage/postgres"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/benmeehan/presence-hub/pkg/file"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
	"github.com/benmeehan/presence-hub/pkg/s3"
	"github.com/rs/zerolog"
)

// Dependencies are the external clients the core is wired to. Nil clients
// are only allowed for features the configuration leaves off.
type Dependencies struct {
	Clock       clock.Clock
	MQTTClient  mqtt.MQTTClient
	NATS        events.NATSPublisher
	FileClient  file.FileOperations
	DB          postgres.Execer
	ObjectStore s3.ObjectPutter
	Instruments *telemetry.Instruments
}

// Core is the assembled presence hub.
type Core struct {
	Bus        *events.Bus
	Heartbeat  *clock.HeartbeatClock
	Tracker    *presence.Tracker
	Locks      *documents.LockManager
	Store      *documents.Store
	Aggregator *health.Aggregator
	Dispatcher *notifications.Dispatcher
	Realtime   *services.RealtimeService
	Gateway    *gateway.Server

	pools []*utils.WorkerPool
}

// BuildCore constructs every component and wires the configured sinks and
// transports. Persisted document snapshots are restored before it returns.
func BuildCore(config *utils.Config, deps Dependencies, logger zerolog.Logger) (*Core, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	in := deps.Instruments

	bus := events.NewBus(config.Events.Buffer, config.Events.SinkTimeout, in, logger)
	tracker := presence.NewTracker(presence.NewRegistry(), clk, presence.Config{
		SessionTTL:    config.Presence.SessionTTL,
		IdleThreshold: config.Presence.IdleThreshold,
	}, bus, in, logger)
	locks := documents.NewLockManager(tracker, clk, config.Locks.TTL, bus, in, logger)
	store := documents.NewStore(locks, clk, bus, in, logger)
	aggregator := health.NewAggregator(config.Health.RingCapacity, clk, logger)

	dispatchPool := utils.NewWorkerPool(config.Notifications.Workers)
	transport := notifications.NewMultiTransport()
	dispatcher := notifications.NewDispatcher(tracker, transport, dispatchPool, clk,
		config.Notifications.DedupeWindow, in, logger)

	c := &Core{
		Bus:        bus,
		Heartbeat:  clock.NewHeartbeatClock(clk, config.Presence.ReapInterval, logger),
		Tracker:    tracker,
		Locks:      locks,
		Store:      store,
		Aggregator: aggregator,
		Dispatcher: dispatcher,
		Realtime:   services.NewRealtimeService(tracker, locks, store, aggregator, dispatcher, logger),
		pools:      []*utils.WorkerPool{dispatchPool},
	}

	if err := c.wireTransports(config, deps, transport, logger); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.wirePersistence(config, deps, logger); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) wireTransports(config *utils.Config, deps Dependencies, transport *notifications.MultiTransport, logger zerolog.Logger) error {
	needsMQTT := config.Events.MQTT || config.Notifications.MQTT
	if needsMQTT && deps.MQTTClient == nil {
		return errors.New("mqtt client is required by the configured event sink or notification transport")
	}

	if config.Gateway.Enabled {
		c.Gateway = gateway.NewServer(gateway.Config{
			Address:         config.Gateway.Address,
			Path:            config.Gateway.Path,
			AllowedOrigins:  config.Gateway.AllowedOrigins,
			WriteTimeout:    config.Gateway.WriteTimeout,
			PongTimeout:     config.Gateway.PongTimeout,
			MaxMessageBytes: config.Gateway.MaxMessageBytes,
			SendBuffer:      config.Gateway.SendBuffer,
		}, c.Realtime, logger)
		if config.Events.Gateway {
			c.Bus.AddSink(c.Gateway)
		}
		if config.Notifications.Gateway {
			transport.Add(c.Gateway)
		}
	}
	if config.Notifications.MQTT {
		transport.Add(notifications.NewMQTTTransport(deps.MQTTClient, config.MQTT.TopicPrefix, config.MQTT.QOS))
	}
	if config.Events.MQTT {
		c.Bus.AddSink(events.NewMQTTSink(deps.MQTTClient, config.MQTT.TopicPrefix, config.MQTT.QOS))
	}
	if config.Events.NATS {
		if deps.NATS == nil {
			return errors.New("nats connection is required when events.nats is on")
		}
		c.Bus.AddSink(events.NewNATSSink(deps.NATS, config.NATS.SubjectPrefix))
	}
	return nil
}

func (c *Core) wirePersistence(config *utils.Config, deps Dependencies, logger zerolog.Logger) error {
	var (
		docSinks    []documents.SnapshotSink
		sampleSinks []health.SampleSink
	)

	if config.Storage.File.Enabled {
		if deps.FileClient == nil {
			return errors.New("file client is required when storage.file is on")
		}
		sm := state_managers.NewDocumentStateManager(config.Storage.File.Dir, deps.FileClient, logger)
		if err := sm.Init(); err != nil {
			return err
		}
		docs, err := sm.LoadAll()
		if err != nil {
			logger.Warn().Err(err).Msg("Some document snapshots could not be restored")
		}
		restored := 0
		for _, d := range docs {
			if c.Store.Restore(d) {
				restored++
			}
		}
		logger.Info().Int("documents", restored).Str("dir", config.Storage.File.Dir).Msg("Restored document snapshots")
		docSinks = append(docSinks, sm)
	}
	if config.Storage.S3.Enabled {
		if deps.ObjectStore == nil {
			return errors.New("object store is required when storage.s3 is on")
		}
		docSinks = append(docSinks, s3.NewDocumentSnapshotSink(deps.ObjectStore, config.Storage.S3.Bucket))
	}
	if config.Storage.Postgres.Enabled {
		if deps.DB == nil {
			return errors.New("database is required when storage.postgres is on")
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Storage.Timeout)
		defer cancel()
		if err := postgres.EnsureSchema(ctx, deps.DB); err != nil {
			return fmt.Errorf("failed to prepare postgres: %w", err)
		}
		docSinks = append(docSinks, postgres.NewDocumentWriter(deps.DB))
		sampleSinks = append(sampleSinks, postgres.NewHealthSampleWriter(deps.DB))
	}

	if len(docSinks) == 0 && len(sampleSinks) == 0 {
		return nil
	}
	// Sinks keep the newest version, so writes may finish out of order.
	pool := utils.NewWorkerPool(config.Storage.Workers)
	c.pools = append(c.pools, pool)
	if len(docSinks) > 0 {
		c.Store.SetSnapshotWriter(pool, config.Storage.Timeout, docSinks...)
	}
	if len(sampleSinks) > 0 {
		c.Aggregator.SetSampleWriter(pool, config.Storage.Timeout, sampleSinks...)
	}
	return nil
}

// Close releases the worker pools. Call it after every service has stopped.
func (c *Core) Close() {
	for _, p := range c.pools {
		p.Shutdown()
	}
}
