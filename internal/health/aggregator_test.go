package health

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(capacity int) (*Aggregator, *clock.ManualClock) {
	mc := clock.NewManualClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewAggregator(capacity, mc, zerolog.Nop()), mc
}

func TestRecordAssignsServerTimestamp(t *testing.T) {
	agg, mc := newTestAggregator(0)
	assert.Equal(t, 50, agg.Capacity())

	s, err := agg.RecordSample(models.HealthSample{
		Component: "api",
		Metric:    "latency_ms",
		Value:     12,
		Unit:      "ms",
		Timestamp: time.Unix(0, 0),
		Metadata:  json.RawMessage(`{"region":"eu"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, mc.Now(), s.Timestamp)

	latest := agg.Latest("api", 1)
	require.Len(t, latest, 1)
	assert.JSONEq(t, `{"region":"eu"}`, string(latest[0].Metadata))
}

func TestRecordRejectsInvalidSamples(t *testing.T) {
	agg, _ := newTestAggregator(5)
	for _, s := range []models.HealthSample{
		{Component: "", Metric: "m", Value: 1},
		{Component: "c", Metric: " ", Value: 1},
		{Component: "c", Metric: "m", Value: math.NaN()},
		{Component: "c", Metric: "m", Value: math.Inf(1)},
	} {
		_, err := agg.RecordSample(s)
		assert.ErrorIs(t, err, models.ErrInvalidSample)
	}
	assert.Empty(t, agg.Components())
}

func TestLatestOrderingAndBounds(t *testing.T) {
	agg, mc := newTestAggregator(10)

	for i := 0; i < 25; i++ {
		mc.Advance(time.Second)
		_, err := agg.Record("api", fmt.Sprintf("metric_%d", i%3), float64(i), "ms", false)
		require.NoError(t, err)
	}

	for _, limit := range []int{0, 1, 5, 10, 30, 100} {
		got := agg.Latest("api", limit)
		assert.LessOrEqual(t, len(got), limit)
		assert.LessOrEqual(t, len(got), agg.Capacity())
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].Timestamp.After(got[i-1].Timestamp), "not descending at %d", i)
		}
	}

	got := agg.Latest("api", 3)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{24, 23, 22}, []float64{got[0].Value, got[1].Value, got[2].Value})
	assert.Empty(t, agg.Latest("unknown", 5))
}

func TestLatestBreaksTimestampTiesByRecordOrder(t *testing.T) {
	agg, _ := newTestAggregator(10)
	for i := 0; i < 4; i++ {
		_, err := agg.Record("db", "qps", float64(i), "1/s", false)
		require.NoError(t, err)
	}
	got := agg.Latest("db", 4)
	require.Len(t, got, 4)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, 0.0, got[3].Value)
}

func TestRingEvictsOldestFirst(t *testing.T) {
	agg, mc := newTestAggregator(3)
	for i := 0; i < 5; i++ {
		mc.Advance(time.Second)
		_, err := agg.Record("api", "latency_ms", float64(i), "ms", false)
		require.NoError(t, err)
	}
	got := agg.Latest("api", 10)
	require.Len(t, got, 3)
	assert.Equal(t, 4.0, got[0].Value)
	assert.Equal(t, 2.0, got[2].Value)
}

func TestIsHealthyRecoversAfterBreachAgesOut(t *testing.T) {
	agg, mc := newTestAggregator(0)

	_, err := agg.Record("api", "latency_ms", 900, "ms", true)
	require.NoError(t, err)
	assert.False(t, agg.IsHealthy("api"))

	for i := 0; i < 51; i++ {
		mc.Advance(time.Second)
		_, err := agg.Record("api", "latency_ms", 20, "ms", false)
		require.NoError(t, err)
	}
	assert.True(t, agg.IsHealthy("api"))
	assert.True(t, agg.IsHealthy("never-seen"))
}

func TestIsHealthyConsidersEveryMetric(t *testing.T) {
	agg, _ := newTestAggregator(5)
	_, _ = agg.Record("worker", "queue_depth", 10, "count", false)
	_, _ = agg.Record("worker", "error_rate", 0.4, "ratio", true)
	for i := 0; i < 10; i++ {
		_, _ = agg.Record("worker", "queue_depth", 1, "count", false)
	}
	assert.False(t, agg.IsHealthy("worker"))
}

func TestSinceAndSummary(t *testing.T) {
	agg, mc := newTestAggregator(50)
	_, _ = agg.Record("api", "latency_ms", 1, "ms", false)
	mc.Advance(time.Minute)
	_, _ = agg.Record("api", "latency_ms", 2, "ms", false)
	_, _ = agg.Record("api", "errors", 1, "count", true)
	_, _ = agg.Record("db", "connections", 10, "count", false)

	recent := agg.Since("api", 30*time.Second)
	require.Len(t, recent, 2)
	assert.Equal(t, "errors", recent[0].Metric)

	assert.Equal(t, []string{"api", "db"}, agg.Components())

	summary := agg.Summary()
	require.Len(t, summary, 2)
	assert.Equal(t, "api", summary[0].Component)
	assert.False(t, summary[0].Healthy)
	assert.Equal(t, 2, summary[0].Metrics)
	assert.Equal(t, 3, summary[0].Samples)
	assert.Equal(t, mc.Now(), summary[0].LastSampleAt)
	assert.True(t, summary[1].Healthy)

	s, ok := agg.LatestMetric("api", "latency_ms")
	require.True(t, ok)
	assert.Equal(t, 2.0, s.Value)
	_, ok = agg.LatestMetric("api", "nope")
	assert.False(t, ok)
}

func TestConcurrentRecord(t *testing.T) {
	agg, _ := newTestAggregator(50)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = agg.Record(fmt.Sprintf("c%d", w%4), "m", float64(i), "u", i%50 == 0)
				_ = agg.Latest(fmt.Sprintf("c%d", w%4), 10)
			}
		}(w)
	}
	wg.Wait()

	for _, c := range agg.Components() {
		assert.Len(t, agg.Latest(c, 100), 50)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.HealthSample
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) SaveSample(_ context.Context, s models.HealthSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func TestSampleWriter(t *testing.T) {
	agg, _ := newTestAggregator(5)
	pool := utils.NewWorkerPool(2)
	sink := &recordingSink{}
	agg.SetSampleWriter(pool, time.Second, sink)

	for i := 0; i < 3; i++ {
		_, err := agg.Record("api", "latency_ms", float64(i), "ms", false)
		require.NoError(t, err)
	}
	pool.Shutdown()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.samples, 3)
}
