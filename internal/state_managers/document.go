package state_managers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/pkg/file"
	"github.com/rs/zerolog"
)

// DocumentStateManager handles file-based document snapshot persistence, one
// JSON file per document.
type DocumentStateManager struct {
	dir        string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewDocumentStateManager initializes a new DocumentStateManager
func NewDocumentStateManager(dir string, fileClient file.FileOperations, logger zerolog.Logger) *DocumentStateManager {
	return &DocumentStateManager{
		dir:        dir,
		fileClient: fileClient,
		logger:     logger,
	}
}

// Init creates the snapshot directory.
func (sm *DocumentStateManager) Init() error {
	if err := sm.fileClient.EnsureDir(sm.dir); err != nil {
		return fmt.Errorf("failed to create state dir %s: %w", sm.dir, err)
	}
	return nil
}

func (sm *DocumentStateManager) Name() string { return "file" }

func (sm *DocumentStateManager) path(docID string) (string, error) {
	if docID == "" || filepath.Base(docID) != docID || docID == "." || docID == ".." {
		return "", fmt.Errorf("invalid document id %q", docID)
	}
	return filepath.Join(sm.dir, docID+".json"), nil
}

// SaveDocument writes the snapshot unless the stored one is newer.
func (sm *DocumentStateManager) SaveDocument(_ context.Context, doc models.Document) error {
	path, err := sm.path(doc.ID)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	exists, err := sm.fileClient.IsFileExists(path)
	if err != nil {
		return err
	}
	if exists {
		var stored models.Document
		if err := sm.fileClient.ReadJsonFile(path, &stored); err != nil {
			sm.logger.Warn().Err(err).Str("path", path).Msg("Overwriting unreadable state file")
		} else if newer(stored, doc) {
			sm.logger.Debug().Str("document_id", doc.ID).Int64("stored", stored.Version).
				Int64("incoming", doc.Version).Msg("Skipping stale document snapshot")
			return nil
		}
	}

	// Lock state is runtime only.
	doc.LockHolder = ""
	doc.LockAcquiredAt = nil
	doc.LockExpiresAt = nil
	if err := sm.fileClient.WriteJsonFile(path, doc); err != nil {
		sm.logger.Error().Err(err).Str("path", path).Msg("Failed to write state file")
		return err
	}
	return nil
}

// newer reports whether a was written after b.
func newer(a, b models.Document) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// LoadAll reads every stored document. Unreadable files are skipped and
// reported in the returned error.
func (sm *DocumentStateManager) LoadAll() ([]models.Document, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	paths, err := sm.fileClient.ListFiles(sm.dir, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list state dir %s: %w", sm.dir, err)
	}

	docs := make([]models.Document, 0, len(paths))
	var errs []error
	for _, p := range paths {
		var doc models.Document
		if err := sm.fileClient.ReadJsonFile(p, &doc); err != nil {
			sm.logger.Error().Err(err).Str("path", p).Msg("Failed to read state file")
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}
