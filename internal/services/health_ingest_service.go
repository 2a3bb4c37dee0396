package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// SampleIngester stores externally reported health samples.
type SampleIngester interface {
	RecordSample(s models.HealthSample) (models.HealthSample, error)
}

// HealthIngestService subscribes to an MQTT topic and records every health
// sample published on it. A message carries one sample object or an array of
// them. When a sample has no component, the topic segment after "health/" is
// used.
type HealthIngestService struct {
	subTopic string
	qos      int

	mqttClient mqtt.MQTTClient
	ingester   SampleIngester
	logger     zerolog.Logger

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewHealthIngestService initializes a new HealthIngestService.
func NewHealthIngestService(subTopic string, qos int, mqttClient mqtt.MQTTClient, ingester SampleIngester, logger zerolog.Logger) *HealthIngestService {
	return &HealthIngestService{
		subTopic:   subTopic,
		qos:        qos,
		mqttClient: mqttClient,
		ingester:   ingester,
		logger:     logger,
	}
}

// Start subscribes to the health topic.
func (hs *HealthIngestService) Start() error {
	hs.mu.Lock()
	if hs.running {
		hs.mu.Unlock()
		return errors.New("health ingest service is already running")
	}
	hs.stopChan = make(chan struct{})
	hs.running = true
	hs.mu.Unlock()

	hs.logger.Info().Str("topic", hs.subTopic).Msg("Starting HealthIngestService and subscribing to MQTT topic")
	token := hs.mqttClient.Subscribe(hs.subTopic, byte(hs.qos), hs.HandleSample)
	token.Wait()
	if err := token.Error(); err != nil {
		hs.logger.Error().Err(err).Str("topic", hs.subTopic).Msg("Failed to subscribe to MQTT topic")
		hs.mu.Lock()
		hs.running = false
		hs.mu.Unlock()
		return err
	}

	hs.logger.Info().Str("topic", hs.subTopic).Msg("Successfully subscribed to MQTT topic")
	return nil
}

// Stop unsubscribes and waits for in-flight messages to be recorded.
func (hs *HealthIngestService) Stop() error {
	hs.mu.Lock()
	if !hs.running {
		hs.mu.Unlock()
		return errors.New("health ingest service is not running")
	}
	hs.running = false
	close(hs.stopChan)
	hs.mu.Unlock()

	hs.wg.Wait()

	token := hs.mqttClient.Unsubscribe(hs.subTopic)
	token.Wait()
	if err := token.Error(); err != nil {
		hs.logger.Error().Err(err).Str("topic", hs.subTopic).Msg("Failed to unsubscribe from MQTT topic")
		return err
	}

	hs.logger.Info().Msg("HealthIngestService stopped successfully")
	return nil
}

// HandleSample decodes and records the samples carried by msg.
func (hs *HealthIngestService) HandleSample(_ MQTT.Client, msg MQTT.Message) {
	hs.mu.Lock()
	select {
	case <-hs.stopChan:
		hs.mu.Unlock()
		hs.logger.Warn().Msg("Received health sample but service is stopping, ignoring it")
		return
	default:
		hs.wg.Add(1)
		hs.mu.Unlock()
	}
	defer hs.wg.Done()

	samples, err := decodeSamples(msg.Payload())
	if err != nil {
		hs.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Failed to decode health sample")
		return
	}

	fallback := componentFromTopic(msg.Topic())
	recorded := 0
	for _, s := range samples {
		if strings.TrimSpace(s.Component) == "" {
			s.Component = fallback
		}
		if _, err := hs.ingester.RecordSample(s); err != nil {
			hs.logger.Warn().Err(err).Str("topic", msg.Topic()).Str("metric", s.Metric).Msg("Rejected health sample")
			continue
		}
		recorded++
	}
	hs.logger.Debug().Str("topic", msg.Topic()).Int("recorded", recorded).Msg("Health samples ingested")
}

func decodeSamples(payload []byte) ([]models.HealthSample, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] == '[' {
		var samples []models.HealthSample
		if err := json.Unmarshal(payload, &samples); err != nil {
			return nil, fmt.Errorf("invalid sample array: %w", err)
		}
		return samples, nil
	}
	var s models.HealthSample
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("invalid sample: %w", err)
	}
	return []models.HealthSample{s}, nil
}

// componentFromTopic returns the first segment after "health/", or "" when
// the topic has none.
func componentFromTopic(topic string) string {
	_, rest, ok := strings.Cut(topic, "health/")
	if !ok {
		return ""
	}
	component, _, _ := strings.Cut(rest, "/")
	return component
}
