package service_registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/state_managers"
	"github.com/benmeehan/presence-hub/internal/utils"
	"github.com/benmeehan/presence-hub/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDB struct {
	mu      sync.Mutex
	queries []string
}

func (r *recordingDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	return rowsAffected(1), nil
}

func (r *recordingDB) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.queries {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

type rowsAffected int64

func (r rowsAffected) LastInsertId() (int64, error) { return 0, nil }
func (r rowsAffected) RowsAffected() (int64, error) { return int64(r), nil }

func TestBuildCore_RestoresFileSnapshots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	fs := file.NewFileService()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	seed := state_managers.NewDocumentStateManager(dir, fs, zerolog.Nop())
	require.NoError(t, seed.Init())
	require.NoError(t, seed.SaveDocument(context.Background(), models.Document{
		ID: "doc-1", Name: "Plan", Type: "text", OwnerID: "alice", Version: 4, CreatedAt: now, UpdatedAt: now,
	}))

	cfg := testConfig()
	cfg.Storage.File.Enabled = true
	cfg.Storage.File.Dir = dir

	core, err := BuildCore(cfg, Dependencies{FileClient: fs, Clock: clock.NewManualClock(now)}, zerolog.Nop())
	require.NoError(t, err)

	doc, err := core.Store.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, "alice", doc.OwnerID)

	// New documents are written through to the same directory.
	id, err := core.Store.Create(documents.CreateRequest{Name: "Notes", Type: "text", OwnerID: "bob"})
	require.NoError(t, err)
	core.Close()

	stored, err := seed.LoadAll()
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for _, d := range stored {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"doc-1", id}, ids)
}

func TestBuildCore_PostgresWriteThrough(t *testing.T) {
	db := &recordingDB{}
	cfg := testConfig()
	cfg.Storage.Postgres.Enabled = true
	cfg.Storage.Postgres.DSN = "postgres://unused"

	core, err := BuildCore(cfg, Dependencies{DB: db}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, db.count("CREATE TABLE"))

	_, err = core.Store.Create(documents.CreateRequest{Name: "Roadmap", Type: "text", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = core.Aggregator.Record("api", "cpu", 12.5, "%", false)
	require.NoError(t, err)
	core.Close()

	assert.Equal(t, 1, db.count("INSERT INTO collaborative_documents"))
	assert.Equal(t, 1, db.count("INSERT INTO system_health_metrics"))
}

func TestBuildCore_MissingDependencies(t *testing.T) {
	cases := map[string]func(c *utils.Config){
		"mqtt client":  func(c *utils.Config) { c.Events.MQTT = true },
		"nats":         func(c *utils.Config) { c.Events.NATS = true },
		"file client":  func(c *utils.Config) { c.Storage.File.Enabled = true },
		"object store": func(c *utils.Config) { c.Storage.S3.Enabled = true },
		"database":     func(c *utils.Config) { c.Storage.Postgres.Enabled = true },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			_, err := BuildCore(cfg, Dependencies{}, zerolog.Nop())
			assert.ErrorContains(t, err, want)
		})
	}
}

func TestBuildCore_GatewayWiring(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Enabled = true
	cfg.Events.Gateway = true
	cfg.Notifications.Gateway = true

	core, err := BuildCore(cfg, Dependencies{}, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()
	require.NotNil(t, core.Gateway)

	cfg = testConfig()
	core, err = BuildCore(cfg, Dependencies{}, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close()
	assert.Nil(t, core.Gateway)
}
