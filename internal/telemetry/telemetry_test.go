package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewWithMeter(t *testing.T) {
	in, err := NewWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, in)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		in.SessionJoined(ctx, "document:1")
		in.SessionLeft(ctx, "expired")
		in.LockAcquired(ctx)
		in.LockConflict(ctx)
		in.DocumentUpdated(ctx, "text")
		in.VersionConflict(ctx)
		in.NotificationsDelivered(ctx, 2, 0.01, true)
		in.EventDropped(ctx, "sessionJoined")
	})
}

func TestNilInstrumentsAreNoops(t *testing.T) {
	var in *Instruments
	ctx := context.Background()
	assert.NotPanics(t, func() {
		in.SessionJoined(ctx, "c")
		in.LockConflict(ctx)
		in.NotificationsDelivered(ctx, 1, 1, false)
	})
}

func TestNewUsesGlobalProvider(t *testing.T) {
	in, err := New()
	require.NoError(t, err)
	assert.NotNil(t, in)
}
