// Package notifications fans priority-ordered notifications out to every live
// session of a user. Nothing is buffered for offline users.
package notifications

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// ErrDispatcherStopped is returned once the worker pool has been shut down.
var ErrDispatcherStopped = errors.New("notification dispatcher stopped")

// LiveSessions lists the sessions of a user that are still within their TTL.
type LiveSessions interface {
	LiveSessionsForUser(userID string) []models.Session
}

// Transport delivers an ordered batch to one session.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, session models.Session, batch []models.Notification) error
}

// Dispatcher delivers notifications to live sessions through a transport.
type Dispatcher struct {
	sessions     LiveSessions
	transport    Transport
	pool         *utils.WorkerPool
	clock        clock.Clock
	dedupeWindow time.Duration
	seen         cmap.ConcurrentMap[string, time.Time]
	telemetry    *telemetry.Instruments
	logger       zerolog.Logger
}

// NewDispatcher creates a dispatcher fanning out on pool. A zero dedupeWindow
// only suppresses duplicates within a single batch.
func NewDispatcher(sessions LiveSessions, transport Transport, pool *utils.WorkerPool, c clock.Clock,
	dedupeWindow time.Duration, instruments *telemetry.Instruments, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:     sessions,
		transport:    transport,
		pool:         pool,
		clock:        c,
		dedupeWindow: dedupeWindow,
		seen:         cmap.New[time.Time](),
		telemetry:    instruments,
		logger:       logger,
	}
}

// Dispatch delivers n to every live session of userID and returns how many
// sessions accepted it. An offline user yields 0 and no error.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, n models.Notification) (int, error) {
	return d.DispatchBatch(ctx, userID, []models.Notification{n})
}

// DispatchBatch delivers the batch to every live session of userID, most
// urgent first, and returns how many sessions accepted it.
func (d *Dispatcher) DispatchBatch(ctx context.Context, userID string, batch []models.Notification) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, models.ErrInvalidUserID
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sessions := d.sessions.LiveSessionsForUser(userID)
	if len(sessions) == 0 || len(batch) == 0 {
		d.logger.Debug().Str("user_id", userID).Int("notifications", len(batch)).Msg("No live sessions, nothing dispatched")
		return 0, nil
	}

	now := d.clock.Now()
	ordered, claimed := d.prepare(userID, batch, now)
	if len(ordered) == 0 {
		return 0, nil
	}

	start := time.Now()
	delivered, err := d.fanOut(ctx, sessions, ordered)
	if delivered == 0 {
		// Nobody got the batch, so a retry must not be suppressed.
		d.release(claimed, now)
	}
	urgent := ordered[0].Urgent()
	d.telemetry.NotificationsDelivered(ctx, delivered, time.Since(start).Seconds(), urgent)

	logEvent := d.logger.Debug()
	if urgent {
		logEvent = d.logger.Warn()
	}
	logEvent.
		Str("user_id", userID).
		Int("priority", ordered[0].Priority).
		Int("notifications", len(ordered)).
		Int("sessions", delivered).
		Msg("Notifications dispatched")

	return delivered, err
}

// prepare fills defaults, drops duplicates and sorts by priority then age. It
// also returns the dedupe entries claimed for the batch.
func (d *Dispatcher) prepare(userID string, batch []models.Notification, now time.Time) ([]models.Notification, []string) {
	inBatch := make(map[string]struct{}, len(batch))
	out := make([]models.Notification, 0, len(batch))
	var claimed []string

	for _, n := range batch {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.UserID = userID
		n.Payload = models.CloneRaw(n.Payload)

		key := n.Key()
		if _, dup := inBatch[key]; dup {
			continue
		}
		inBatch[key] = struct{}{}
		entry, ok := d.claim(userID, key, now)
		if !ok {
			d.logger.Debug().Str("user_id", userID).Str("key", key).Msg("Suppressing duplicate notification")
			continue
		}
		if entry != "" {
			claimed = append(claimed, entry)
		}
		out = append(out, n)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, claimed
}

// claim records (user, key) for the dedupe window and reports whether it was
// free. The returned entry is empty when no window is configured.
func (d *Dispatcher) claim(userID, key string, now time.Time) (string, bool) {
	if d.dedupeWindow <= 0 {
		return "", true
	}
	entry := userID + "\x00" + key
	claimed := false
	d.seen.Upsert(entry, time.Time{}, func(exist bool, expiry, _ time.Time) time.Time {
		if exist && now.Before(expiry) {
			return expiry
		}
		claimed = true
		return now.Add(d.dedupeWindow)
	})
	if !claimed {
		return "", false
	}
	return entry, true
}

// release drops dedupe entries claimed at now, leaving newer claims alone.
func (d *Dispatcher) release(entries []string, now time.Time) {
	expiry := now.Add(d.dedupeWindow)
	for _, entry := range entries {
		d.seen.RemoveCb(entry, func(_ string, v time.Time, exists bool) bool {
			return exists && v.Equal(expiry)
		})
	}
}

// PruneDedupe forgets dedupe entries whose window closed before now.
func (d *Dispatcher) PruneDedupe(now time.Time) int {
	pruned := 0
	for item := range d.seen.IterBuffered() {
		if now.Before(item.Val) {
			continue
		}
		if d.seen.RemoveCb(item.Key, func(_ string, expiry time.Time, exists bool) bool {
			return exists && !now.Before(expiry)
		}) {
			pruned++
		}
	}
	return pruned
}

func (d *Dispatcher) fanOut(ctx context.Context, sessions []models.Session, batch []models.Notification) (int, error) {
	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
	)

	for _, s := range sessions {
		session := s
		wg.Add(1)
		ok := d.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := d.transport.Deliver(ctx, session, batch); err != nil {
				d.logger.Error().Err(err).
					Str("transport", d.transport.Name()).
					Str("session_id", session.ID).
					Msg("Failed to deliver notifications")
				return
			}
			delivered.Add(1)
		})
		if !ok {
			wg.Done()
			wg.Wait()
			return int(delivered.Load()), ErrDispatcherStopped
		}
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return int(delivered.Load()), err
	}
	return int(delivered.Load()), nil
}
