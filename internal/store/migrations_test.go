package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// newTestDB opens a raw database with migrations applied, for schema
// level assertions.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := enablePragmas(db); err != nil {
		t.Fatalf("failed to enable pragmas: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestMigrations_CreateDocuments(t *testing.T) {
	// Given: A fresh database with migrations applied
	db := newTestDB(t)

	// Then: documents table exists with correct columns
	_, err := db.Exec(`
		SELECT type, id, data, version, local_only, created_at, updated_at
		FROM documents LIMIT 0
	`)
	if err != nil {
		t.Fatalf("documents table missing or has wrong columns: %v", err)
	}
}

func TestMigrations_CreateDrafts(t *testing.T) {
	// Given: A fresh database with migrations applied
	db := newTestDB(t)

	// Then: drafts table exists with correct columns
	_, err := db.Exec(`
		SELECT id, trial_id, observation_unit_id, trait_id, value, synced, created_at, updated_at
		FROM drafts LIMIT 0
	`)
	if err != nil {
		t.Fatalf("drafts table missing or has wrong columns: %v", err)
	}
}

func TestMigrations_CreateReplayQueueAndCache(t *testing.T) {
	// Given: A fresh database with migrations applied
	db := newTestDB(t)

	// Then: replay_queue and response_cache tables exist
	_, err := db.Exec(`
		SELECT id, method, url, headers, body, entity_type, entity_id, attempts, enqueued_at
		FROM replay_queue LIMIT 0
	`)
	if err != nil {
		t.Fatalf("replay_queue table missing or has wrong columns: %v", err)
	}

	_, err = db.Exec(`
		SELECT class, url, status, headers, body, stored_at
		FROM response_cache LIMIT 0
	`)
	if err != nil {
		t.Fatalf("response_cache table missing or has wrong columns: %v", err)
	}
}

func TestMigrations_SyncMetaDefaults(t *testing.T) {
	// Given: A fresh database with migrations applied
	db := newTestDB(t)

	// Then: sync_meta has the expected seed values
	var schemaVersion string
	err := db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'schema_version'`).Scan(&schemaVersion)
	if err != nil {
		t.Fatalf("sync_meta schema_version not found: %v", err)
	}
	if schemaVersion != "2" {
		t.Errorf("expected schema_version '2', got %q", schemaVersion)
	}

	var lastSync string
	err = db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'last_sync_at'`).Scan(&lastSync)
	if err != nil {
		t.Fatalf("sync_meta last_sync_at not found: %v", err)
	}
	if lastSync != "" {
		t.Errorf("expected last_sync_at '', got %q", lastSync)
	}
}

func TestMigrations_Indexes(t *testing.T) {
	// Given: A migrated database
	db := newTestDB(t)

	// Then: All indexes exist
	expectedIndexes := []string{
		"idx_documents_local_only",
		"idx_documents_updated_at",
		"idx_drafts_updated_at",
		"idx_drafts_synced",
		"idx_replay_queue_enqueued",
		"idx_response_cache_stored",
	}

	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	// Given: A migrated database
	db := newTestDB(t)

	// When: Migrations run again
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
}
