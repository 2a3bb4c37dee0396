// Package postgres writes document snapshots and health samples through to
// Postgres. The in-memory core stays authoritative; these tables are a
// durable copy for reporting and recovery.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benmeehan/presence-hub/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a Postgres connection using the given DSN. Caller must call Close when done.
func Open(dsn string, maxOpenConns int) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Execer is the subset of *sql.DB the writers need.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS collaborative_documents (
		id            TEXT PRIMARY KEY,
		document_name TEXT NOT NULL,
		document_type TEXT NOT NULL,
		owner_id      TEXT,
		version       BIGINT NOT NULL,
		content       JSONB,
		collaborators JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS system_health_metrics (
		id                       BIGSERIAL PRIMARY KEY,
		component_name           TEXT NOT NULL,
		metric_name              TEXT NOT NULL,
		metric_value             DOUBLE PRECISION NOT NULL,
		metric_unit              TEXT,
		alert_threshold_exceeded BOOLEAN NOT NULL,
		metadata                 JSONB,
		recorded_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS system_health_metrics_component_idx
		ON system_health_metrics (component_name, recorded_at DESC)`,
}

// EnsureSchema creates the tables when they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

const upsertDocument = `INSERT INTO collaborative_documents
	(id, document_name, document_type, owner_id, version, content, collaborators, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		document_name = EXCLUDED.document_name,
		document_type = EXCLUDED.document_type,
		owner_id      = EXCLUDED.owner_id,
		version       = EXCLUDED.version,
		content       = EXCLUDED.content,
		collaborators = EXCLUDED.collaborators,
		updated_at    = EXCLUDED.updated_at
	WHERE collaborative_documents.version < EXCLUDED.version
		OR (collaborative_documents.version = EXCLUDED.version
			AND collaborative_documents.updated_at < EXCLUDED.updated_at)`

// DocumentWriter upserts document snapshots. Older versions never overwrite
// newer rows, so out-of-order writes settle on the latest snapshot.
type DocumentWriter struct {
	db Execer
}

func NewDocumentWriter(db Execer) *DocumentWriter {
	return &DocumentWriter{db: db}
}

func (w *DocumentWriter) Name() string { return "postgres" }

func (w *DocumentWriter) SaveDocument(ctx context.Context, doc models.Document) error {
	collaborators := doc.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	collabJSON, err := json.Marshal(collaborators)
	if err != nil {
		return fmt.Errorf("failed to encode collaborators: %w", err)
	}

	_, err = w.db.ExecContext(ctx, upsertDocument,
		doc.ID, doc.Name, doc.Type, nullString(doc.OwnerID), doc.Version,
		nullJSON(doc.Content), string(collabJSON), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}
	return nil
}

const insertSample = `INSERT INTO system_health_metrics
	(component_name, metric_name, metric_value, metric_unit, alert_threshold_exceeded, metadata, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// HealthSampleWriter appends health samples.
type HealthSampleWriter struct {
	db Execer
}

func NewHealthSampleWriter(db Execer) *HealthSampleWriter {
	return &HealthSampleWriter{db: db}
}

func (w *HealthSampleWriter) Name() string { return "postgres" }

func (w *HealthSampleWriter) SaveSample(ctx context.Context, s models.HealthSample) error {
	_, err := w.db.ExecContext(ctx, insertSample,
		s.Component, s.Metric, s.Value, nullString(s.Unit), s.ThresholdExceeded, nullJSON(s.Metadata), s.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert health sample %s/%s: %w", s.Component, s.Metric, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
