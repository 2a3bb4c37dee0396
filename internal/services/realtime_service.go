package services

import (
	"context"
	"encoding/json"

	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/health"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/notifications"
	"github.com/benmeehan/presence-hub/internal/presence"
	"github.com/rs/zerolog"
)

// RealtimeService is the inbound boundary of the core. Transports such as the
// websocket gateway call it and never reach the components directly.
type RealtimeService struct {
	tracker    *presence.Tracker
	locks      *documents.LockManager
	store      *documents.Store
	health     *health.Aggregator
	dispatcher *notifications.Dispatcher
	logger     zerolog.Logger
}

// NewRealtimeService wires the core components behind one facade.
func NewRealtimeService(
	tracker *presence.Tracker,
	locks *documents.LockManager,
	store *documents.Store,
	aggregator *health.Aggregator,
	dispatcher *notifications.Dispatcher,
	logger zerolog.Logger,
) *RealtimeService {
	return &RealtimeService{
		tracker:    tracker,
		locks:      locks,
		store:      store,
		health:     aggregator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// JoinChannel registers a new session for userID on channel.
func (r *RealtimeService) JoinChannel(channel, userID string, presenceData, deviceInfo json.RawMessage) (string, error) {
	return r.tracker.Join(channel, userID, presenceData, deviceInfo)
}

func (r *RealtimeService) Heartbeat(sessionID string) error {
	return r.tracker.Heartbeat(sessionID)
}

func (r *RealtimeService) SetIdle(sessionID string) error {
	return r.tracker.SetIdle(sessionID)
}

func (r *RealtimeService) UpdatePresence(sessionID string, presenceData json.RawMessage) error {
	return r.tracker.UpdatePresence(sessionID, presenceData)
}

// LeaveChannel removes the session. Unknown sessions are ignored.
func (r *RealtimeService) LeaveChannel(sessionID string) {
	r.tracker.Leave(sessionID)
}

// Session returns a registered session.
func (r *RealtimeService) Session(sessionID string) (models.Session, error) {
	s, ok := r.tracker.Lookup(sessionID)
	if !ok || !r.tracker.IsLive(sessionID) {
		return models.Session{}, models.ErrSessionNotFound
	}
	return s, nil
}

func (r *RealtimeService) ListSessions(channel string) []models.Session {
	return r.tracker.Registry().ListSessions(channel)
}

func (r *RealtimeService) SessionCount(channel string) int {
	return r.tracker.Registry().SessionCount(channel)
}

// AcquireLock takes the document's edit lock for sessionID. The session's user
// must be the owner or a collaborator of the document.
func (r *RealtimeService) AcquireLock(docID, sessionID string) (models.LockToken, error) {
	if !r.store.Exists(docID) {
		return models.LockToken{}, models.ErrDocumentNotFound
	}
	s, err := r.Session(sessionID)
	if err != nil {
		return models.LockToken{}, err
	}
	allowed, err := r.store.CanEdit(docID, s.UserID)
	if err != nil {
		return models.LockToken{}, err
	}
	if !allowed {
		r.logger.Warn().Str("document_id", docID).Str("user_id", s.UserID).Msg("Lock refused, user may not edit document")
		return models.LockToken{}, models.ErrPermissionDenied
	}
	return r.locks.Acquire(docID, sessionID)
}

func (r *RealtimeService) RenewLock(docID, token string) (models.LockToken, error) {
	return r.locks.Renew(docID, token)
}

func (r *RealtimeService) ReleaseLock(docID, token string) bool {
	return r.locks.Release(docID, token)
}

func (r *RealtimeService) LockHolder(docID string) (models.LockToken, bool) {
	return r.locks.Holder(docID)
}

func (r *RealtimeService) CreateDocument(req documents.CreateRequest) (string, error) {
	return r.store.Create(req)
}

func (r *RealtimeService) ApplyUpdate(req documents.UpdateRequest) (int64, error) {
	return r.store.ApplyUpdate(req)
}

func (r *RealtimeService) GetDocument(docID string) (models.Document, error) {
	return r.store.Get(docID)
}

func (r *RealtimeService) ListDocuments(userID string) []models.Document {
	return r.store.ListForUser(userID)
}

func (r *RealtimeService) Invite(docID, userID string) error {
	return r.store.Invite(docID, userID)
}

func (r *RealtimeService) RecordHealth(sample models.HealthSample) (models.HealthSample, error) {
	return r.health.RecordSample(sample)
}

func (r *RealtimeService) LatestHealth(component string, limit int) []models.HealthSample {
	return r.health.Latest(component, limit)
}

func (r *RealtimeService) HealthSummary() []models.ComponentHealth {
	return r.health.Summary()
}

// Dispatch delivers the batch to every live session of userID and returns
// how many sessions accepted it.
func (r *RealtimeService) Dispatch(ctx context.Context, userID string, batch []models.Notification) (int, error) {
	return r.dispatcher.DispatchBatch(ctx, userID, batch)
}
