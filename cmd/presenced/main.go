package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/service_registry"
	"github.com/benmeehan/presence-hub/internal/storage/postgres"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/benmeehan/presence-hub/pkg/file"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
	"github.com/benmeehan/presence-hub/pkg/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is known
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = newLogger(config.Log)

	deps := service_registry.Dependencies{FileClient: fileClient}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.ExportOptions{
		Endpoint:    config.Telemetry.OTLPEndpoint,
		ServiceName: config.Telemetry.ServiceName,
		Interval:    config.Telemetry.ExportInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics export")
	}
	deps.Instruments, err = telemetry.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create telemetry instruments")
	}

	var mqttClient *mqtt.MqttService
	if config.MQTT.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
		log.Info().Msgf("Using MQTT Client ID: %s", config.MQTT.ClientID)

		// Initialize the shared MQTT connection
		mqttClient = mqtt.NewMqttService(fileClient)
		err = mqttClient.Initialize(mqtt.Options{
			Broker:         config.MQTT.Broker,
			ClientID:       config.MQTT.ClientID,
			Username:       config.MQTT.Username,
			Password:       config.MQTT.Password,
			CACertificate:  config.MQTT.CACertificate,
			ConnectTimeout: config.MQTT.ConnectTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
		}
		deps.MQTTClient = mqttClient
	}

	if config.Events.NATS {
		nc, err := events.ConnectNATS(events.NATSOptions{
			URL:        config.NATS.URL,
			Name:       config.NATS.Name,
			User:       config.NATS.User,
			Password:   config.NATS.Password,
			Attempts:   config.NATS.Attempts,
			RetryDelay: config.NATS.RetryDelay,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		deps.NATS = nc
	}

	if config.Storage.Postgres.Enabled {
		db, err := postgres.Open(config.Storage.Postgres.DSN, config.Storage.Postgres.MaxOpenConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer db.Close()
		deps.DB = db
	}

	if config.Storage.S3.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), config.Storage.Timeout)
		store := s3.NewObjectStorage()
		err := store.Connect(ctx, config.Storage.S3.Endpoint, config.Storage.S3.AccessKey,
			config.Storage.S3.SecretKey, config.Storage.S3.UseSSL)
		if err == nil {
			err = store.EnsureBucket(ctx, config.Storage.S3.Bucket, config.Storage.S3.Region)
		}
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare object storage")
		}
		deps.ObjectStore = store.Conn
	}

	core, err := service_registry.BuildCore(config, deps, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build presence core")
	}

	// Create a new service registry to manage services
	var registryClient mqtt.MQTTClient
	if mqttClient != nil {
		registryClient = mqttClient
	}
	serviceRegistry := service_registry.NewServiceRegistry(registryClient, log)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, core); err != nil {
		log.Fatal().Err(err).Msg("Failed to register services")
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Some services did not stop cleanly")
	}
	core.Close()
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownMetrics(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to flush metrics")
	}
}

func newLogger(c utils.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if c.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
