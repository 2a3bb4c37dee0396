package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
)

// Envelope is the wire form of a batch delivered to one session.
type Envelope struct {
	SessionID     string                `json:"session_id"`
	Notifications []models.Notification `json:"notifications"`
}

// MQTTTransport publishes each batch to the session's notification topic.
type MQTTTransport struct {
	client mqtt.MQTTClient
	prefix string
	qos    byte
}

func NewMQTTTransport(client mqtt.MQTTClient, prefix string, qos int) *MQTTTransport {
	return &MQTTTransport{client: client, prefix: prefix, qos: byte(qos)}
}

func (m *MQTTTransport) Name() string { return "mqtt" }

// Topic returns <prefix>/users/<user>/sessions/<session>/notifications with the
// user and session escaped as single levels.
func (m *MQTTTransport) Topic(session models.Session) string {
	return fmt.Sprintf("%s/users/%s/sessions/%s/notifications",
		m.prefix, mqtt.TopicSegment(session.UserID), mqtt.TopicSegment(session.ID))
}

func (m *MQTTTransport) Deliver(ctx context.Context, session models.Session, batch []models.Notification) error {
	payload, err := json.Marshal(Envelope{SessionID: session.ID, Notifications: batch})
	if err != nil {
		return fmt.Errorf("failed to serialize notifications: %w", err)
	}
	return mqtt.Await(ctx, m.client.Publish(m.Topic(session), m.qos, false, payload))
}

// MultiTransport delivers through every registered transport. A batch counts
// as delivered when at least one transport accepts it.
type MultiTransport struct {
	mu         sync.RWMutex
	transports []Transport
}

func NewMultiTransport(transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports}
}

// Add registers another transport.
func (m *MultiTransport) Add(t Transport) {
	m.mu.Lock()
	m.transports = append(m.transports, t)
	m.mu.Unlock()
}

func (m *MultiTransport) Name() string { return "multi" }

func (m *MultiTransport) Deliver(ctx context.Context, session models.Session, batch []models.Notification) error {
	m.mu.RLock()
	transports := make([]Transport, len(m.transports))
	copy(transports, m.transports)
	m.mu.RUnlock()

	if len(transports) == 0 {
		return errors.New("no notification transports configured")
	}

	var errs []error
	delivered := false
	for _, t := range transports {
		if err := t.Deliver(ctx, session, batch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}
