package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Presence      PresenceConfig      `yaml:"presence"`
	Locks         LocksConfig         `yaml:"locks"`
	Health        HealthConfig        `yaml:"health"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Events        EventsConfig        `yaml:"events"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	NATS          NATSConfig          `yaml:"nats"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Storage       StorageConfig       `yaml:"storage"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Log           LogConfig           `yaml:"log"`
}

type PresenceConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`    // Silence after which a session expires
	IdleThreshold time.Duration `yaml:"idle_threshold"` // Silence after which an online session turns idle
	ReapInterval  time.Duration `yaml:"reap_interval"`  // HeartbeatClock tick period
}

type LocksConfig struct {
	TTL time.Duration `yaml:"ttl"` // Lifetime of an edit lock without renewal
}

type HealthConfig struct {
	RingCapacity int                   `yaml:"ring_capacity"` // Samples kept per (component, metric)
	Component    string                `yaml:"component"`     // Component name for self-collected samples
	Collector    HealthCollectorConfig `yaml:"collector"`
	Ingest       HealthIngestConfig    `yaml:"ingest"`
}

type HealthCollectorConfig struct {
	Enabled  bool                 `yaml:"enabled"`  // Enable/disable self health collection
	Interval time.Duration        `yaml:"interval"` // Interval between collections
	Timeout  time.Duration        `yaml:"timeout"`  // Timeout for one collection round
	Metrics  models.MetricsConfig `yaml:"metrics"`
}

type HealthIngestConfig struct {
	Enabled bool   `yaml:"enabled"` // Subscribe to external health samples over MQTT
	Topic   string `yaml:"topic"`   // Defaults to <mqtt.topic_prefix>/health/#
	QOS     int    `yaml:"qos"`
}

type NotificationsConfig struct {
	Workers      int           `yaml:"workers"`       // Fan-out worker pool size
	DedupeWindow time.Duration `yaml:"dedupe_window"` // Suppress repeated (user, key) within this window
	MQTT         bool          `yaml:"mqtt"`          // Deliver over MQTT
	Gateway      bool          `yaml:"gateway"`       // Deliver over websocket connections
}

type EventsConfig struct {
	Buffer      int           `yaml:"buffer"`       // Pending events before new ones are dropped
	SinkTimeout time.Duration `yaml:"sink_timeout"` // Deadline for one sink delivery
	MQTT        bool          `yaml:"mqtt"`         // Publish events over MQTT
	NATS        bool          `yaml:"nats"`         // Publish events over NATS
	Gateway     bool          `yaml:"gateway"`      // Push roster events to websocket connections
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`    // MQTT broker address
	ClientID       string        `yaml:"client_id"` // MQTT client ID
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	CACertificate  string        `yaml:"ca_certificate"` // Path to the CA certificate, empty for plain TCP
	TopicPrefix    string        `yaml:"topic_prefix"`   // Root of every topic
	QOS            int           `yaml:"qos"`            // Default QoS for published messages
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Attempts      int           `yaml:"connect_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type GatewayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`         // Listen address, e.g. ":8080"
	Path            string        `yaml:"path"`            // Websocket endpoint path
	AllowedOrigins  []string      `yaml:"allowed_origins"` // Empty allows any origin
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"` // Outbound frames queued per connection
}

type StorageConfig struct {
	Workers  int            `yaml:"workers"` // Write-through worker pool size
	Timeout  time.Duration  `yaml:"timeout"` // Deadline for one write
	File     FileStorage    `yaml:"file"`
	S3       S3Storage      `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type FileStorage struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // Directory holding one JSON snapshot per document
}

type S3Storage struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type PostgresConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // OTLP gRPC collector, empty disables export
	ServiceName    string        `yaml:"service_name"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Pretty bool   `yaml:"pretty"` // Human readable console output
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Presence.SessionTTL <= 0 {
		c.Presence.SessionTTL = constants.DefaultSessionTTL
	}
	if c.Presence.IdleThreshold <= 0 {
		c.Presence.IdleThreshold = constants.DefaultIdleThreshold
	}
	if c.Presence.ReapInterval <= 0 {
		c.Presence.ReapInterval = constants.DefaultReapInterval
	}
	if c.Locks.TTL <= 0 {
		c.Locks.TTL = constants.DefaultLockTTL
	}
	if c.Health.RingCapacity <= 0 {
		c.Health.RingCapacity = constants.DefaultRingCapacity
	}
	if c.Health.Component == "" {
		c.Health.Component = constants.DefaultHealthComponent
	}
	if c.Health.Collector.Interval <= 0 {
		c.Health.Collector.Interval = constants.DefaultCollectorInterval
	}
	if c.Health.Collector.Timeout <= 0 {
		c.Health.Collector.Timeout = constants.DefaultCollectorTimeout
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = constants.DefaultDispatchWorkers
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = constants.DefaultEventBuffer
	}
	if c.Events.SinkTimeout <= 0 {
		c.Events.SinkTimeout = 5 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "presence"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "presenced"
	}
	if c.Health.Ingest.Topic == "" {
		c.Health.Ingest.Topic = c.MQTT.TopicPrefix + "/health/#"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "presence"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "presenced"
	}
	if c.NATS.Attempts <= 0 {
		c.NATS.Attempts = 10
	}
	if c.NATS.RetryDelay <= 0 {
		c.NATS.RetryDelay = 2 * time.Second
	}
	if c.Gateway.Address == "" {
		c.Gateway.Address = ":8080"
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws"
	}
	if c.Gateway.WriteTimeout <= 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.PongTimeout <= 0 {
		c.Gateway.PongTimeout = 60 * time.Second
	}
	if c.Gateway.MaxMessageBytes <= 0 {
		c.Gateway.MaxMessageBytes = 64 << 10
	}
	if c.Gateway.SendBuffer <= 0 {
		c.Gateway.SendBuffer = 64
	}
	if c.Storage.Workers <= 0 {
		c.Storage.Workers = 4
	}
	if c.Storage.Timeout <= 0 {
		c.Storage.Timeout = 10 * time.Second
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "presenced"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports configuration combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Presence.IdleThreshold >= c.Presence.SessionTTL {
		errs = append(errs, fmt.Errorf("presence.idle_threshold (%s) must be shorter than presence.session_ttl (%s)",
			c.Presence.IdleThreshold, c.Presence.SessionTTL))
	}
	if c.Presence.ReapInterval > c.Presence.SessionTTL {
		errs = append(errs, errors.New("presence.reap_interval must not exceed presence.session_ttl"))
	}
	needsMQTT := c.Events.MQTT || c.Notifications.MQTT || c.Health.Ingest.Enabled
	if needsMQTT && (!c.MQTT.Enabled || c.MQTT.Broker == "") {
		errs = append(errs, errors.New("mqtt must be enabled with a broker when an mqtt sink, transport or ingest is on"))
	}
	if c.Events.NATS && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when events.nats is on"))
	}
	if (c.Events.Gateway || c.Notifications.Gateway) && !c.Gateway.Enabled {
		errs = append(errs, errors.New("gateway must be enabled when it is used as an event sink or notification transport"))
	}
	if c.Storage.File.Enabled && c.Storage.File.Dir == "" {
		errs = append(errs, errors.New("storage.file.dir is required"))
	}
	if c.Storage.S3.Enabled && (c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "") {
		errs = append(errs, errors.New("storage.s3.endpoint and storage.s3.bucket are required"))
	}
	if c.Storage.Postgres.Enabled && c.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required"))
	}
	return errors.Join(errs...)
}

// LoadConfig loads the YAML configuration from the specified file, fills
// defaults and validates it.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &config, nil
}
