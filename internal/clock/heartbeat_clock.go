package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every heartbeat tick with the clock reading.
type TickFunc func(now time.Time)

type listener struct {
	name string
	fn   TickFunc
}

// HeartbeatClock drives periodic expiry work. Listeners run sequentially in
// registration order on the clock goroutine.
type HeartbeatClock struct {
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.RWMutex
	listeners []listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatClock creates a clock ticking every interval.
func NewHeartbeatClock(c Clock, interval time.Duration, logger zerolog.Logger) *HeartbeatClock {
	if c == nil {
		c = SystemClock{}
	}
	return &HeartbeatClock{
		clock:    c,
		interval: interval,
		logger:   logger,
	}
}

// Now returns the current reading of the underlying clock.
func (h *HeartbeatClock) Now() time.Time {
	return h.clock.Now()
}

// Interval returns the tick period.
func (h *HeartbeatClock) Interval() time.Duration {
	return h.interval
}

// OnTick registers fn to run on every tick.
func (h *HeartbeatClock) OnTick(name string, fn TickFunc) {
	h.mu.Lock()
	h.listeners = append(h.listeners, listener{name: name, fn: fn})
	h.mu.Unlock()
}

// Tick runs every listener once with the current time. The ticker loop calls
// it; tests call it directly to step expiry deterministically.
func (h *HeartbeatClock) Tick() time.Time {
	now := h.clock.Now()

	h.mu.RLock()
	listeners := make([]listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.RUnlock()

	for _, l := range listeners {
		h.run(l, now)
	}
	return now
}

func (h *HeartbeatClock) run(l listener, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Str("listener", l.name).Interface("panic", r).Msg("Tick listener panicked")
		}
	}()
	l.fn(now)
}

// Start launches the tick loop in a separate goroutine.
func (h *HeartbeatClock) Start() error {
	if h.ctx != nil {
		h.logger.Warn().Msg("HeartbeatClock is already running")
		return errors.New("heartbeat clock is already running")
	}
	if h.interval <= 0 {
		return errors.New("heartbeat clock interval must be positive")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runTickLoop()
	}()

	h.logger.Info().Dur("interval", h.interval).Msg("HeartbeatClock started successfully")
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (h *HeartbeatClock) Stop() error {
	if h.ctx == nil {
		h.logger.Warn().Msg("HeartbeatClock is not running")
		return errors.New("heartbeat clock is not running")
	}

	h.cancel()
	h.wg.Wait()

	h.ctx = nil
	h.cancel = nil

	h.logger.Info().Msg("HeartbeatClock stopped successfully")
	return nil
}

func (h *HeartbeatClock) runTickLoop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Tick()
		case <-h.ctx.Done():
			h.logger.Debug().Msg("HeartbeatClock stopping gracefully")
			return
		}
	}
}
