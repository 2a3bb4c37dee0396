package services

import (
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/rs/zerolog"
)

// SessionReaper is the presence side of a reaper pass.
type SessionReaper interface {
	MarkIdle(now time.Time) []string
	ReapExpired(now time.Time) []string
}

// LockReaper frees expired or orphaned edit locks.
type LockReaper interface {
	ReapExpired(now time.Time) []string
}

// DedupePruner forgets notification dedupe keys older than their window.
type DedupePruner interface {
	PruneDedupe(now time.Time) int
}

// ReapResult summarises one reaper pass.
type ReapResult struct {
	Idled           []string
	ExpiredSessions []string
	FreedLocks      []string
	PrunedDedupe    int
}

// ReaperService runs expiry work on every HeartbeatClock tick. It owns the
// clock's lifecycle.
type ReaperService struct {
	clock    *clock.HeartbeatClock
	sessions SessionReaper
	locks    LockReaper
	dedupe   DedupePruner
	logger   zerolog.Logger
}

// NewReaperService registers the reaper on hb. locks and dedupe may be nil.
func NewReaperService(hb *clock.HeartbeatClock, sessions SessionReaper, locks LockReaper, dedupe DedupePruner, logger zerolog.Logger) *ReaperService {
	r := &ReaperService{
		clock:    hb,
		sessions: sessions,
		locks:    locks,
		dedupe:   dedupe,
		logger:   logger,
	}
	hb.OnTick("reaper", func(now time.Time) { r.Reap(now) })
	return r
}

// Reap runs one pass: idle marking, session expiry, then lock expiry so locks
// held by sessions expired in this pass are freed in the same pass.
func (r *ReaperService) Reap(now time.Time) ReapResult {
	var res ReapResult
	res.Idled = r.sessions.MarkIdle(now)
	res.ExpiredSessions = r.sessions.ReapExpired(now)
	if r.locks != nil {
		res.FreedLocks = r.locks.ReapExpired(now)
	}
	if r.dedupe != nil {
		res.PrunedDedupe = r.dedupe.PruneDedupe(now)
	}

	if len(res.ExpiredSessions) > 0 || len(res.FreedLocks) > 0 {
		r.logger.Info().
			Int("idled", len(res.Idled)).
			Int("expired_sessions", len(res.ExpiredSessions)).
			Int("freed_locks", len(res.FreedLocks)).
			Msg("Reaper pass completed")
	}
	return res
}

func (r *ReaperService) Start() error {
	r.logger.Info().Dur("interval", r.clock.Interval()).Msg("Starting ReaperService...")
	return r.clock.Start()
}

func (r *ReaperService) Stop() error {
	r.logger.Info().Msg("Stopping ReaperService...")
	return r.clock.Stop()
}
