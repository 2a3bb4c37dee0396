package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ChannelSink forwards events to an in-process Go channel. Events that do not
// fit are dropped so a slow reader cannot stall the bus.
type ChannelSink struct {
	C chan models.Event
}

// NewChannelSink creates a sink with a buffer of size events.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan models.Event, size)}
}

func (c *ChannelSink) Name() string { return "channel" }

func (c *ChannelSink) Handle(_ context.Context, event models.Event) error {
	select {
	case c.C <- event:
		return nil
	default:
		return fmt.Errorf("channel sink full, dropped %s", event.Type)
	}
}

// MQTTSink publishes each event to <prefix>/events/<type>/<scope>, with the
// scope escaped into a single topic level.
type MQTTSink struct {
	client mqtt.MQTTClient
	prefix string
	qos    byte
}

func NewMQTTSink(client mqtt.MQTTClient, prefix string, qos int) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, qos: byte(qos)}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an event is published on.
func (m *MQTTSink) Topic(event models.Event) string {
	return fmt.Sprintf("%s/events/%s/%s", m.prefix, event.Type, mqtt.TopicSegment(event.Scope()))
}

func (m *MQTTSink) Handle(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	token := m.client.Publish(m.Topic(event), m.qos, false, payload)
	if err := mqtt.Await(ctx, token); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// NATSPublisher is the subset of *nats.Conn used by NATSSink.
type NATSPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes each event to <prefix>.events.<type>.
type NATSSink struct {
	conn   NATSPublisher
	prefix string
}

func NewNATSSink(conn NATSPublisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

func (n *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on.
func (n *NATSSink) Subject(event models.Event) string {
	return fmt.Sprintf("%s.events.%s", n.prefix, event.Type)
}

func (n *NATSSink) Handle(_ context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := nats.NewMsg(n.Subject(event))
	msg.Data = payload
	msg.Header.Set("Event-Type", string(event.Type))
	if scope := event.Scope(); scope != "" {
		msg.Header.Set("Event-Scope", scope)
	}
	return n.conn.PublishMsg(msg)
}

// NATSOptions configures ConnectNATS.
type NATSOptions struct {
	URL         string
	Name        string
	User        string
	Password    string
	Attempts    int
	RetryDelay  time.Duration
	ReconnectIn time.Duration
}

// ConnectNATS dials the server, retrying while it comes up.
func ConnectNATS(o NATSOptions, logger zerolog.Logger) (*nats.Conn, error) {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if o.ReconnectIn > 0 {
		opts = append(opts, nats.ReconnectWait(o.ReconnectIn))
	}
	if o.User != "" {
		opts = append(opts, nats.UserInfo(o.User, o.Password))
	}

	var lastErr error
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		nc, err := nats.Connect(o.URL, opts...)
		if err == nil {
			logger.Info().Str("url", o.URL).Msg("Connected to NATS")
			return nc, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to connect to NATS, retrying")
		if attempt < o.Attempts {
			time.Sleep(o.RetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", o.Attempts, lastErr)
}
