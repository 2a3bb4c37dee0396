// Package documents holds collaborative documents: exclusive edit locks and
// optimistic, version-checked content updates.
package documents

import (
	"context"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// SessionLiveness answers whether a session still holds a valid heartbeat.
type SessionLiveness interface {
	IsLive(sessionID string) bool
}

// lockState is the edit lock of one document. A lock is held while token is
// set, the expiry lies in the future and the holder session is live.
type lockState struct {
	mu         sync.Mutex
	holder     string
	token      string
	acquiredAt time.Time
	expiresAt  time.Time
}

func (l *lockState) clear() {
	l.holder = ""
	l.token = ""
	l.acquiredAt = time.Time{}
	l.expiresAt = time.Time{}
}

// LockManager grants at most one edit lock per document. Acquisition never
// waits: a held lock is refused immediately.
type LockManager struct {
	locks     cmap.ConcurrentMap[string, *lockState]
	sessions  SessionLiveness
	clock     clock.Clock
	ttl       time.Duration
	emitter   events.Emitter
	telemetry *telemetry.Instruments
	logger    zerolog.Logger
}

// NewLockManager creates a manager whose locks expire after ttl without renewal.
func NewLockManager(sessions SessionLiveness, c clock.Clock, ttl time.Duration, emitter events.Emitter,
	instruments *telemetry.Instruments, logger zerolog.Logger) *LockManager {
	if ttl <= 0 {
		ttl = constants.DefaultLockTTL
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &LockManager{
		locks:     cmap.New[*lockState](),
		sessions:  sessions,
		clock:     c,
		ttl:       ttl,
		emitter:   emitter,
		telemetry: instruments,
		logger:    logger,
	}
}

// TTL returns the lock time-to-live.
func (m *LockManager) TTL() time.Duration {
	return m.ttl
}

func (m *LockManager) state(docID string) *lockState {
	return m.locks.Upsert(docID, nil, func(exist bool, cur, _ *lockState) *lockState {
		if exist {
			return cur
		}
		return &lockState{}
	})
}

// heldLocked reports whether l is currently held. l.mu must be held.
func (m *LockManager) heldLocked(l *lockState, now time.Time) bool {
	return l.token != "" && now.Before(l.expiresAt) && m.sessions.IsLive(l.holder)
}

// Acquire grants the document lock to sessionID. The lock is granted when it
// is free, expired or held by a session that is no longer live. A session that
// already holds the lock gets it renewed under the same token.
func (m *LockManager) Acquire(docID, sessionID string) (models.LockToken, error) {
	if !m.sessions.IsLive(sessionID) {
		return models.LockToken{}, models.ErrSessionNotFound
	}

	l := m.state(docID)
	now := m.clock.Now()

	l.mu.Lock()
	if m.heldLocked(l, now) {
		if l.holder != sessionID {
			holder := l.holder
			l.mu.Unlock()
			m.telemetry.LockConflict(context.Background())
			m.logger.Debug().Str("document_id", docID).Str("holder", holder).Str("session_id", sessionID).Msg("Lock held by another session")
			return models.LockToken{}, models.ErrLockHeld
		}
		l.expiresAt = now.Add(m.ttl)
		token := m.tokenLocked(docID, l)
		l.mu.Unlock()
		return token, nil
	}

	reason := constants.ReasonAcquired
	if l.token != "" {
		reason = constants.ReasonReclaimed
		m.logger.Info().Str("document_id", docID).Str("previous_holder", l.holder).Str("session_id", sessionID).Msg("Reclaiming stale document lock")
	}
	l.holder = sessionID
	l.token = uuid.NewString()
	l.acquiredAt = now
	l.expiresAt = now.Add(m.ttl)
	token := m.tokenLocked(docID, l)
	l.mu.Unlock()

	m.telemetry.LockAcquired(context.Background())
	m.emitLockChanged(docID, sessionID, sessionID, reason)
	return token, nil
}

// Renew extends the lock by the TTL.
func (m *LockManager) Renew(docID, token string) (models.LockToken, error) {
	l, ok := m.locks.Get(docID)
	if !ok {
		return models.LockToken{}, models.ErrLockTokenInvalid
	}
	now := m.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if token == "" || l.token != token || !m.heldLocked(l, now) {
		return models.LockToken{}, models.ErrLockTokenInvalid
	}
	l.expiresAt = now.Add(m.ttl)
	return m.tokenLocked(docID, l), nil
}

// Release frees the lock if token still owns it. Releasing an already free,
// expired or foreign lock does nothing. It reports whether a lock was freed.
func (m *LockManager) Release(docID, token string) bool {
	l, ok := m.locks.Get(docID)
	if !ok || token == "" {
		return false
	}

	l.mu.Lock()
	if l.token != token {
		l.mu.Unlock()
		return false
	}
	holder := l.holder
	l.clear()
	l.mu.Unlock()

	m.emitLockChanged(docID, holder, "", constants.ReasonReleased)
	return true
}

// Holder returns the current lock without its secret token.
func (m *LockManager) Holder(docID string) (models.LockToken, bool) {
	l, ok := m.locks.Get(docID)
	if !ok {
		return models.LockToken{}, false
	}
	now := m.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !m.heldLocked(l, now) {
		return models.LockToken{}, false
	}
	info := m.tokenLocked(docID, l)
	info.Token = ""
	return info, true
}

// Guard runs fn while the document lock cannot change hands. fn receives
// ErrLockTokenInvalid when token does not own the lock, and decides the
// outcome. When fn succeeds the lock is released if it asks, or renewed.
func (m *LockManager) Guard(docID, token string, fn func(tokenErr error) (release bool, err error)) error {
	l := m.state(docID)
	now := m.clock.Now()

	l.mu.Lock()
	var tokenErr error
	if token == "" || l.token != token || !m.heldLocked(l, now) {
		tokenErr = models.ErrLockTokenInvalid
	}

	release, err := fn(tokenErr)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if tokenErr != nil {
		// fn must not succeed without the lock.
		l.mu.Unlock()
		return tokenErr
	}

	holder := l.holder
	if release {
		l.clear()
	} else {
		l.expiresAt = now.Add(m.ttl)
	}
	l.mu.Unlock()

	if release {
		m.emitLockChanged(docID, holder, "", constants.ReasonReleased)
	}
	return nil
}

// ReapExpired frees every lock that expired or whose holder session is gone,
// and returns the affected document ids.
func (m *LockManager) ReapExpired(now time.Time) []string {
	type freed struct{ docID, holder string }
	var reaped []freed

	for item := range m.locks.IterBuffered() {
		l := item.Val
		l.mu.Lock()
		if l.token != "" && !m.heldLocked(l, now) {
			reaped = append(reaped, freed{docID: item.Key, holder: l.holder})
			l.clear()
		}
		l.mu.Unlock()
	}

	ids := make([]string, 0, len(reaped))
	for _, r := range reaped {
		m.emitLockChanged(r.docID, r.holder, "", constants.ReasonExpired)
		ids = append(ids, r.docID)
	}
	if len(ids) > 0 {
		m.logger.Info().Int("count", len(ids)).Msg("Reaped expired document locks")
	}
	return ids
}

func (m *LockManager) tokenLocked(docID string, l *lockState) models.LockToken {
	return models.LockToken{
		DocumentID: docID,
		SessionID:  l.holder,
		Token:      l.token,
		AcquiredAt: l.acquiredAt,
		ExpiresAt:  l.expiresAt,
	}
}

func (m *LockManager) emitLockChanged(docID, sessionID, holder, reason string) {
	m.emitter.Emit(models.Event{
		Type:       constants.EventLockChanged,
		Channel:    models.DocumentChannel(docID),
		DocumentID: docID,
		SessionID:  sessionID,
		LockHolder: holder,
		Reason:     reason,
		Timestamp:  m.clock.Now(),
	})
}
