package documents

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/telemetry"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// SnapshotSink persists document snapshots outside the process. Writes may
// arrive out of order; sinks keep the highest version they have seen.
type SnapshotSink interface {
	Name() string
	SaveDocument(ctx context.Context, doc models.Document) error
}

// CreateRequest describes a new document.
type CreateRequest struct {
	Name          string          `json:"document_name"`
	Type          string          `json:"document_type"`
	Content       json.RawMessage `json:"content"`
	Collaborators []string        `json:"collaborators"`
	OwnerID       string          `json:"owner_id"`
}

// UpdateRequest replaces document content if ExpectedVersion is current and
// Token owns the edit lock.
type UpdateRequest struct {
	DocumentID      string          `json:"document_id"`
	ExpectedVersion int64           `json:"expected_version"`
	Content         json.RawMessage `json:"content"`
	Token           string          `json:"lock_token"`
	ReleaseLock     bool            `json:"release_lock"`
}

type document struct {
	mu            sync.RWMutex
	id            string
	name          string
	docType       string
	ownerID       string
	version       int64
	content       json.RawMessage
	collaborators map[string]struct{}
	createdAt     time.Time
	updatedAt     time.Time
}

func (d *document) snapshotLocked() models.Document {
	collaborators := make([]string, 0, len(d.collaborators))
	for c := range d.collaborators {
		collaborators = append(collaborators, c)
	}
	sort.Strings(collaborators)

	return models.Document{
		ID:            d.id,
		Name:          d.name,
		Type:          d.docType,
		OwnerID:       d.ownerID,
		Version:       d.version,
		Content:       models.CloneRaw(d.content),
		Collaborators: collaborators,
		CreatedAt:     d.createdAt,
		UpdatedAt:     d.updatedAt,
	}
}

func (d *document) snapshot() models.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Store keeps documents in memory with monotonically increasing versions.
type Store struct {
	docs      cmap.ConcurrentMap[string, *document]
	locks     *LockManager
	clock     clock.Clock
	emitter   events.Emitter
	telemetry *telemetry.Instruments
	logger    zerolog.Logger

	sinks       []SnapshotSink
	pool        *utils.WorkerPool
	sinkTimeout time.Duration
}

// NewStore creates an empty store whose updates are gated by locks.
func NewStore(locks *LockManager, c clock.Clock, emitter events.Emitter,
	instruments *telemetry.Instruments, logger zerolog.Logger) *Store {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Store{
		docs:      cmap.New[*document](),
		locks:     locks,
		clock:     c,
		emitter:   emitter,
		telemetry: instruments,
		logger:    logger,
	}
}

// SetSnapshotWriter makes every accepted change write through to sinks on pool.
func (s *Store) SetSnapshotWriter(pool *utils.WorkerPool, timeout time.Duration, sinks ...SnapshotSink) {
	s.pool = pool
	s.sinkTimeout = timeout
	s.sinks = sinks
}

// Create stores a new document at the initial version and returns its id.
func (s *Store) Create(req CreateRequest) (string, error) {
	now := s.clock.Now()
	collaborators := make([]string, 0, len(req.Collaborators))
	for _, c := range req.Collaborators {
		if c = strings.TrimSpace(c); c != "" {
			collaborators = append(collaborators, c)
		}
	}

	d := &document{
		id:            uuid.NewString(),
		name:          req.Name,
		docType:       req.Type,
		ownerID:       req.OwnerID,
		version:       constants.InitialDocumentVersion,
		content:       models.CloneRaw(req.Content),
		collaborators: utils.SliceToSet(collaborators),
		createdAt:     now,
		updatedAt:     now,
	}
	s.docs.Set(d.id, d)

	s.logger.Info().Str("document_id", d.id).Str("type", d.docType).Msg("Document created")
	s.persist(d.snapshot())
	return d.id, nil
}

// Restore loads a previously persisted document. Existing ids are kept.
func (s *Store) Restore(doc models.Document) bool {
	if doc.ID == "" || doc.Version < constants.InitialDocumentVersion {
		return false
	}
	d := &document{
		id:            doc.ID,
		name:          doc.Name,
		docType:       doc.Type,
		ownerID:       doc.OwnerID,
		version:       doc.Version,
		content:       models.CloneRaw(doc.Content),
		collaborators: utils.SliceToSet(doc.Collaborators),
		createdAt:     doc.CreatedAt,
		updatedAt:     doc.UpdatedAt,
	}
	return s.docs.SetIfAbsent(doc.ID, d)
}

// ApplyUpdate replaces the content and bumps the version by one. Checks run
// in order: the document must exist, ExpectedVersion must be current, and
// Token must own the edit lock. Nothing changes when a check fails.
func (s *Store) ApplyUpdate(req UpdateRequest) (int64, error) {
	d, ok := s.docs.Get(req.DocumentID)
	if !ok {
		return 0, models.ErrDocumentNotFound
	}

	var (
		newVersion int64
		snapshot   models.Document
	)
	err := s.locks.Guard(req.DocumentID, req.Token, func(tokenErr error) (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.version != req.ExpectedVersion {
			return false, &models.VersionConflictError{
				DocumentID:      d.id,
				ExpectedVersion: req.ExpectedVersion,
				CurrentVersion:  d.version,
			}
		}
		if tokenErr != nil {
			return false, tokenErr
		}

		d.version++
		d.content = models.CloneRaw(req.Content)
		d.updatedAt = s.clock.Now()
		newVersion = d.version
		snapshot = d.snapshotLocked()

		s.emitter.Emit(models.Event{
			Type:       constants.EventDocumentVersionChanged,
			Channel:    models.DocumentChannel(d.id),
			DocumentID: d.id,
			Version:    d.version,
			Reason:     constants.ReasonUpdated,
			Timestamp:  d.updatedAt,
		})
		return req.ReleaseLock, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			s.telemetry.VersionConflict(context.Background())
		}
		return 0, err
	}

	s.telemetry.DocumentUpdated(context.Background(), snapshot.Type)
	s.logger.Debug().Str("document_id", req.DocumentID).Int64("version", newVersion).Msg("Document updated")
	s.persist(snapshot)
	return newVersion, nil
}

// Get returns a consistent snapshot including the current lock holder.
func (s *Store) Get(docID string) (models.Document, error) {
	d, ok := s.docs.Get(docID)
	if !ok {
		return models.Document{}, models.ErrDocumentNotFound
	}
	doc := d.snapshot()
	s.attachLock(&doc)
	return doc, nil
}

func (s *Store) attachLock(doc *models.Document) {
	if s.locks == nil {
		return
	}
	if lock, held := s.locks.Holder(doc.ID); held {
		acquired, expires := lock.AcquiredAt, lock.ExpiresAt
		doc.LockHolder = lock.SessionID
		doc.LockAcquiredAt = &acquired
		doc.LockExpiresAt = &expires
	}
}

// Exists reports whether docID is stored.
func (s *Store) Exists(docID string) bool {
	return s.docs.Has(docID)
}

// Count returns the number of stored documents.
func (s *Store) Count() int {
	return s.docs.Count()
}

// ListForUser returns the documents userID owns or collaborates on, most
// recently updated first.
func (s *Store) ListForUser(userID string) []models.Document {
	var out []models.Document
	for item := range s.docs.IterBuffered() {
		d := item.Val
		d.mu.RLock()
		_, collaborator := d.collaborators[userID]
		member := collaborator || (userID != "" && d.ownerID == userID)
		var doc models.Document
		if member {
			doc = d.snapshotLocked()
		}
		d.mu.RUnlock()
		if member {
			s.attachLock(&doc)
			out = append(out, doc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Invite adds userID to the document's collaborators.
func (s *Store) Invite(docID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.ErrInvalidUserID
	}
	d, ok := s.docs.Get(docID)
	if !ok {
		return models.ErrDocumentNotFound
	}

	d.mu.Lock()
	if _, exists := d.collaborators[userID]; exists {
		d.mu.Unlock()
		return nil
	}
	d.collaborators[userID] = struct{}{}
	d.updatedAt = s.clock.Now()
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	s.logger.Info().Str("document_id", docID).Str("user_id", userID).Msg("Collaborator invited")
	s.persist(snapshot)
	return nil
}

// CanEdit reports whether userID may take the document's edit lock.
func (s *Store) CanEdit(docID, userID string) (bool, error) {
	d, ok := s.docs.Get(docID)
	if !ok {
		return false, models.ErrDocumentNotFound
	}
	return d.snapshot().CanEdit(userID), nil
}

func (s *Store) persist(doc models.Document) {
	if len(s.sinks) == 0 || s.pool == nil {
		return
	}
	submitted := s.pool.Submit(func() {
		for _, sink := range s.sinks {
			ctx, cancel := s.sinkContext()
			if err := sink.SaveDocument(ctx, doc); err != nil {
				s.logger.Error().Err(err).
					Str("sink", sink.Name()).
					Str("document_id", doc.ID).
					Int64("version", doc.Version).
					Msg("Failed to persist document snapshot")
			}
			cancel()
		}
	})
	if !submitted {
		s.logger.Warn().Str("document_id", doc.ID).Msg("Snapshot writer stopped, skipping persistence")
	}
}

func (s *Store) sinkContext() (context.Context, context.CancelFunc) {
	if s.sinkTimeout > 0 {
		return context.WithTimeout(context.Background(), s.sinkTimeout)
	}
	return context.WithCancel(context.Background())
}
