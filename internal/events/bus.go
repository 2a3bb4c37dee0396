package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/rs/zerolog"
)

// Sink delivers events to one outbound transport.
type Sink interface {
	Name() string
	Handle(ctx context.Context, event models.Event) error
}

// Bus queues events and hands them to every sink from a single worker, so
// sinks observe events in emission order.
type Bus struct {
	queue       chan models.Event
	sinkTimeout time.Duration
	logger      zerolog.Logger
	telemetry   *telemetry.Instruments

	mu    sync.RWMutex
	sinks []Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a bus holding up to buffer pending events.
func NewBus(buffer int, sinkTimeout time.Duration, instruments *telemetry.Instruments, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		queue:       make(chan models.Event, buffer),
		sinkTimeout: sinkTimeout,
		logger:      logger,
		telemetry:   instruments,
	}
}

// AddSink registers s. Sinks added after Start receive subsequent events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
	b.logger.Info().Str("sink", s.Name()).Msg("Event sink registered")
}

// Emit enqueues event. When the queue is full the event is dropped.
func (b *Bus) Emit(event models.Event) {
	select {
	case b.queue <- event:
	default:
		b.telemetry.EventDropped(context.Background(), string(event.Type))
		b.logger.Warn().
			Str("type", string(event.Type)).
			Str("scope", event.Scope()).
			Msg("Event bus full, dropping event")
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Start launches the delivery worker.
func (b *Bus) Start() error {
	if b.ctx != nil {
		b.logger.Warn().Msg("EventBus is already running")
		return errors.New("event bus is already running")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.run()

	b.logger.Info().Int("buffer", cap(b.queue)).Msg("EventBus started successfully")
	return nil
}

// Stop delivers everything already queued and then halts the worker.
func (b *Bus) Stop() error {
	if b.ctx == nil {
		b.logger.Warn().Msg("EventBus is not running")
		return errors.New("event bus is not running")
	}

	b.cancel()
	b.wg.Wait()
	b.ctx = nil
	b.cancel = nil

	b.logger.Info().Msg("EventBus stopped successfully")
	return nil
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.ctx.Done():
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event models.Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := b.sinkContext()
		if err := s.Handle(ctx, event); err != nil {
			b.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("type", string(event.Type)).
				Msg("Failed to deliver event")
		}
		cancel()
	}
}

func (b *Bus) sinkContext() (context.Context, context.CancelFunc) {
	if b.sinkTimeout > 0 {
		return context.WithTimeout(context.Background(), b.sinkTimeout)
	}
	return context.WithCancel(context.Background())
}
