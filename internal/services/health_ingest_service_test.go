package services

import (
	"errors"
	"testing"

	"github.com/benmeehan/presence-hub/internal/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const healthTopic = "presence/health/#"

func newIngest(t *testing.T) (*HealthIngestService, *mocks.MockMQTTClient, *core) {
	t.Helper()
	c := newCore(t)
	client := &mocks.MockMQTTClient{}
	return NewHealthIngestService(healthTopic, 1, client, c.aggregator, zerolog.Nop()), client, c
}

func TestHealthIngest_StartSubscribes(t *testing.T) {
	svc, client, _ := newIngest(t)
	client.On("Subscribe", healthTopic, byte(1), mock.Anything).Return(mocks.NewCompletedToken(nil)).Once()
	client.On("Unsubscribe", []string{healthTopic}).Return(mocks.NewCompletedToken(nil)).Once()

	require.NoError(t, svc.Start())
	assert.EqualError(t, svc.Start(), "health ingest service is already running")
	require.NoError(t, svc.Stop())
	assert.EqualError(t, svc.Stop(), "health ingest service is not running")

	client.AssertExpectations(t)
}

func TestHealthIngest_SubscribeFailure(t *testing.T) {
	svc, client, _ := newIngest(t)
	client.On("Subscribe", healthTopic, byte(1), mock.Anything).Return(mocks.NewCompletedToken(errors.New("not authorized")))

	assert.EqualError(t, svc.Start(), "not authorized")
	assert.EqualError(t, svc.Stop(), "health ingest service is not running")
}

func TestHealthIngest_HandleSample(t *testing.T) {
	svc, client, c := newIngest(t)
	client.On("Subscribe", healthTopic, byte(1), mock.Anything).Return(mocks.NewCompletedToken(nil))
	client.On("Unsubscribe", []string{healthTopic}).Return(mocks.NewCompletedToken(nil))
	require.NoError(t, svc.Start())

	svc.HandleSample(nil, mocks.NewMockMessage("presence/health/image-gen",
		[]byte(`{"metric_name":"queue_depth","metric_value":12,"metric_unit":"jobs","metadata":{"region":"eu"}}`)))
	svc.HandleSample(nil, mocks.NewMockMessage("presence/health/ignored",
		[]byte(`[{"component_name":"payments","metric_name":"latency","metric_value":80,"alert_threshold_exceeded":true},
		         {"component_name":"payments","metric_name":""}]`)))
	svc.HandleSample(nil, mocks.NewMockMessage("presence/health/broken", []byte(`{not json`)))

	depth, ok := c.aggregator.LatestMetric("image-gen", "queue_depth")
	require.True(t, ok)
	assert.Equal(t, 12.0, depth.Value)
	assert.Equal(t, "jobs", depth.Unit)
	assert.JSONEq(t, `{"region":"eu"}`, string(depth.Metadata))
	assert.Equal(t, c.clock.Now(), depth.Timestamp)

	latency, ok := c.aggregator.LatestMetric("payments", "latency")
	require.True(t, ok)
	assert.True(t, latency.ThresholdExceeded)
	assert.Len(t, c.aggregator.Latest("payments", 10), 1)
	assert.Empty(t, c.aggregator.Latest("broken", 10))

	require.NoError(t, svc.Stop())

	svc.HandleSample(nil, mocks.NewMockMessage("presence/health/late", []byte(`{"metric_name":"x","metric_value":1}`)))
	assert.Empty(t, c.aggregator.Latest("late", 10))
}

func TestComponentFromTopic(t *testing.T) {
	assert.Equal(t, "api", componentFromTopic("presence/health/api"))
	assert.Equal(t, "api", componentFromTopic("presence/health/api/latency"))
	assert.Equal(t, "", componentFromTopic("presence/other"))
}
