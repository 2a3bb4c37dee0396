package presence

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the session timing rules.
type Config struct {
	SessionTTL    time.Duration
	IdleThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = constants.DefaultSessionTTL
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = constants.DefaultIdleThreshold
	}
	return c
}

// Tracker owns the session lifecycle: join, heartbeat, status changes,
// leave and expiry. Liveness is always derived from the last heartbeat.
type Tracker struct {
	registry  *Registry
	clock     clock.Clock
	cfg       Config
	emitter   events.Emitter
	telemetry *telemetry.Instruments
	logger    zerolog.Logger
}

// NewTracker creates a tracker writing into registry.
func NewTracker(registry *Registry, c clock.Clock, cfg Config, emitter events.Emitter,
	instruments *telemetry.Instruments, logger zerolog.Logger) *Tracker {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Tracker{
		registry:  registry,
		clock:     c,
		cfg:       cfg.withDefaults(),
		emitter:   emitter,
		telemetry: instruments,
		logger:    logger,
	}
}

// Registry returns the roster view this tracker writes into.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// SessionTTL returns the configured session time-to-live.
func (t *Tracker) SessionTTL() time.Duration {
	return t.cfg.SessionTTL
}

// Join registers a new online session in channel and returns its id.
func (t *Tracker) Join(channel, userID string, presence, device json.RawMessage) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", models.ErrInvalidChannelName
	}
	if strings.TrimSpace(userID) == "" {
		return "", models.ErrInvalidUserID
	}

	now := t.clock.Now()
	id := uuid.NewString()
	e := &sessionEntry{
		id:      id,
		channel: channel,
		userID:  userID,
		session: models.Session{
			ID:            id,
			Channel:       channel,
			UserID:        userID,
			PresenceData:  models.CloneRaw(presence),
			DeviceInfo:    models.CloneRaw(device),
			Status:        constants.StatusOnline,
			JoinedAt:      now,
			LastHeartbeat: now,
		},
	}
	// Once inserted the entry is shared, so emit from a copy taken before.
	joined := e.session.Clone()
	t.registry.insert(e)

	t.telemetry.SessionJoined(context.Background(), channel)
	t.logger.Debug().Str("session_id", id).Str("channel", channel).Str("user_id", userID).Msg("Session joined")
	t.emit(constants.EventSessionJoined, joined, "")
	return id, nil
}

// Heartbeat refreshes the session and promotes idle back to online.
func (t *Tracker) Heartbeat(sessionID string) error {
	return t.mutate(sessionID, func(s *models.Session, now time.Time) string {
		s.LastHeartbeat = now
		if s.Status != constants.StatusOnline {
			s.Status = constants.StatusOnline
			return constants.ReasonActive
		}
		return ""
	})
}

// SetIdle marks the session idle without touching its heartbeat.
func (t *Tracker) SetIdle(sessionID string) error {
	return t.mutate(sessionID, func(s *models.Session, _ time.Time) string {
		if s.Status == constants.StatusIdle {
			return ""
		}
		s.Status = constants.StatusIdle
		return constants.ReasonIdle
	})
}

// UpdatePresence replaces the presence payload, for example on cursor moves.
// It counts as a heartbeat.
func (t *Tracker) UpdatePresence(sessionID string, presence json.RawMessage) error {
	payload := models.CloneRaw(presence)
	return t.mutate(sessionID, func(s *models.Session, now time.Time) string {
		s.PresenceData = payload
		s.LastHeartbeat = now
		s.Status = constants.StatusOnline
		return constants.ReasonPresence
	})
}

// mutate applies fn to a live session. A session found expired is removed on
// the spot and reported as not found. fn returns the status-change reason to
// publish, or "" when nothing observable changed.
func (t *Tracker) mutate(sessionID string, fn func(s *models.Session, now time.Time) string) error {
	e, ok := t.registry.entry(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}

	now := t.clock.Now()
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return models.ErrSessionNotFound
	}
	if !e.session.IsLive(now, t.cfg.SessionTTL) {
		e.removed = true
		snapshot := e.session.Clone()
		e.mu.Unlock()
		t.finishRemoval(e, snapshot, constants.ReasonExpired)
		return models.ErrSessionNotFound
	}
	reason := fn(&e.session, now)
	snapshot := e.session.Clone()
	e.mu.Unlock()

	if reason != "" {
		t.emit(constants.EventSessionStatusChanged, snapshot, reason)
	}
	return nil
}

// Leave removes the session immediately. Unknown ids are ignored.
func (t *Tracker) Leave(sessionID string) {
	e, ok := t.registry.entry(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	e.removed = true
	snapshot := e.session.Clone()
	e.mu.Unlock()

	t.finishRemoval(e, snapshot, constants.ReasonLeave)
}

// ReapExpired removes every session silent for at least the TTL at now and
// returns their ids.
func (t *Tracker) ReapExpired(now time.Time) []string {
	var reaped []*sessionEntry
	var snapshots []models.Session

	t.registry.each(func(e *sessionEntry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.removed || now.Sub(e.session.LastHeartbeat) < t.cfg.SessionTTL {
			return
		}
		e.removed = true
		reaped = append(reaped, e)
		snapshots = append(snapshots, e.session.Clone())
	})

	ids := make([]string, 0, len(reaped))
	for i, e := range reaped {
		t.finishRemoval(e, snapshots[i], constants.ReasonExpired)
		ids = append(ids, e.id)
	}
	if len(ids) > 0 {
		t.logger.Info().Int("count", len(ids)).Msg("Reaped expired sessions")
	}
	return ids
}

// MarkIdle moves online sessions silent for at least the idle threshold, but
// not yet expired, to idle and returns their ids.
func (t *Tracker) MarkIdle(now time.Time) []string {
	var changed []models.Session

	t.registry.each(func(e *sessionEntry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.removed || e.session.Status != constants.StatusOnline {
			return
		}
		silent := now.Sub(e.session.LastHeartbeat)
		if silent < t.cfg.IdleThreshold || silent >= t.cfg.SessionTTL {
			return
		}
		e.session.Status = constants.StatusIdle
		changed = append(changed, e.session.Clone())
	})

	ids := make([]string, 0, len(changed))
	for _, s := range changed {
		t.emit(constants.EventSessionStatusChanged, s, constants.ReasonIdle)
		ids = append(ids, s.ID)
	}
	return ids
}

// IsLive reports whether the session is registered and within its TTL.
func (t *Tracker) IsLive(sessionID string) bool {
	e, ok := t.registry.entry(sessionID)
	if !ok {
		return false
	}
	now := t.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.removed && e.session.IsLive(now, t.cfg.SessionTTL)
}

// Lookup returns a snapshot of a registered session.
func (t *Tracker) Lookup(sessionID string) (models.Session, bool) {
	return t.registry.Lookup(sessionID)
}

// LiveSessionsForUser returns the user's sessions still within their TTL.
func (t *Tracker) LiveSessionsForUser(userID string) []models.Session {
	now := t.clock.Now()
	all := t.registry.SessionsForUser(userID)
	live := all[:0]
	for _, s := range all {
		if s.IsLive(now, t.cfg.SessionTTL) {
			live = append(live, s)
		}
	}
	return live
}

func (t *Tracker) finishRemoval(e *sessionEntry, snapshot models.Session, reason string) {
	t.registry.detach(e)
	snapshot.Status = constants.StatusOffline

	t.telemetry.SessionLeft(context.Background(), reason)
	t.logger.Debug().Str("session_id", e.id).Str("channel", e.channel).Str("reason", reason).Msg("Session removed")
	t.emit(constants.EventSessionLeft, snapshot, reason)
}

func (t *Tracker) emit(eventType constants.EventType, s models.Session, reason string) {
	t.emitter.Emit(models.Event{
		Type:      eventType,
		Channel:   s.Channel,
		SessionID: s.ID,
		UserID:    s.UserID,
		Status:    s.Status,
		Reason:    reason,
		Timestamp: t.clock.Now(),
	})
}
