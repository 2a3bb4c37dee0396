// Package telemetry holds the OpenTelemetry instruments shared by the realtime
// core. A nil *Instruments is valid and records nothing.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "presence-hub"

// Instruments bundles the counters and histograms emitted by the core.
type Instruments struct {
	sessionsJoined    metric.Int64Counter
	sessionsLeft      metric.Int64Counter
	locksAcquired     metric.Int64Counter
	lockConflicts     metric.Int64Counter
	documentUpdates   metric.Int64Counter
	versionConflicts  metric.Int64Counter
	notificationsSent metric.Int64Counter
	eventsDropped     metric.Int64Counter
	dispatchDuration  metric.Float64Histogram
}

// New creates the instruments on the global meter provider.
func New() (*Instruments, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter metric.Meter) (*Instruments, error) {
	var (
		in   Instruments
		errs []error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	in.sessionsJoined = counter("presence_sessions_joined_total", "Sessions registered in a channel")
	in.sessionsLeft = counter("presence_sessions_left_total", "Sessions removed from a channel")
	in.locksAcquired = counter("document_locks_acquired_total", "Document edit locks granted")
	in.lockConflicts = counter("document_lock_conflicts_total", "Lock acquisitions refused because another session holds the lock")
	in.documentUpdates = counter("document_updates_total", "Successful versioned document updates")
	in.versionConflicts = counter("document_version_conflicts_total", "Updates rejected for a stale version")
	in.notificationsSent = counter("notifications_delivered_total", "Notification batches accepted by a session transport")
	in.eventsDropped = counter("events_dropped_total", "Outbound events dropped because the bus was full")

	h, err := meter.Float64Histogram("notification_dispatch_duration_seconds",
		metric.WithDescription("Time to fan out a notification batch to every live session"))
	errs = append(errs, err)
	in.dispatchDuration = h

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *Instruments) SessionJoined(ctx context.Context, channel string) {
	if in == nil {
		return
	}
	in.sessionsJoined.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (in *Instruments) SessionLeft(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	in.sessionsLeft.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (in *Instruments) LockAcquired(ctx context.Context) {
	if in == nil {
		return
	}
	in.locksAcquired.Add(ctx, 1)
}

func (in *Instruments) LockConflict(ctx context.Context) {
	if in == nil {
		return
	}
	in.lockConflicts.Add(ctx, 1)
}

func (in *Instruments) DocumentUpdated(ctx context.Context, docType string) {
	if in == nil {
		return
	}
	in.documentUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("document_type", docType)))
}

func (in *Instruments) VersionConflict(ctx context.Context) {
	if in == nil {
		return
	}
	in.versionConflicts.Add(ctx, 1)
}

// NotificationsDelivered records a finished dispatch: how many sessions
// accepted it and how long the fan-out took.
func (in *Instruments) NotificationsDelivered(ctx context.Context, sessions int, seconds float64, urgent bool) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("urgent", urgent))
	in.notificationsSent.Add(ctx, int64(sessions), attrs)
	in.dispatchDuration.Record(ctx, seconds, attrs)
}

func (in *Instruments) EventDropped(ctx context.Context, eventType string) {
	if in == nil {
		return
	}
	in.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
