package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/verdantlab/fieldsync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local durable store. All tables
// (documents, drafts, replay queue, response cache, sync metadata) live
// in one database file so multi-record writes share transactions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the local store at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs
// migrations. An open failure is fatal to every dependent operation, so
// it is returned here rather than retried.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// Sync meta keys
const (
	metaLastSyncAt   = "last_sync_at"
	metaSyncSettings = "sync_settings"
)

// LastSyncTime returns the recorded time of the last confirmed push, or
// nil if no push has succeeded yet.
func (s *SQLiteStore) LastSyncTime(ctx context.Context) (*time.Time, error) {
	value, err := s.GetSyncMeta(ctx, metaLastSyncAt)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parse last sync time %q: %w", value, err)
	}
	return &t, nil
}

// SetLastSyncTime records the time of a confirmed push.
func (s *SQLiteStore) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.SetSyncMeta(ctx, metaLastSyncAt, formatTime(t))
}

// SyncSettings returns the persisted user sync settings, falling back to
// defaults when none have been saved.
func (s *SQLiteStore) SyncSettings(ctx context.Context) (types.SyncSettings, error) {
	value, err := s.GetSyncMeta(ctx, metaSyncSettings)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.DefaultSyncSettings(), nil
		}
		return types.SyncSettings{}, err
	}

	var settings types.SyncSettings
	if err := json.Unmarshal([]byte(value), &settings); err != nil {
		return types.SyncSettings{}, fmt.Errorf("parse sync settings: %w", err)
	}
	return settings, nil
}

// SetSyncSettings persists user sync settings.
func (s *SQLiteStore) SetSyncSettings(ctx context.Context, settings types.SyncSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal sync settings: %w", err)
	}
	return s.SetSyncMeta(ctx, metaSyncSettings, string(data))
}

// ClearAll wipes every table. Used only by test and reset paths.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM documents`,
		`DELETE FROM drafts`,
		`DELETE FROM replay_queue`,
		`DELETE FROM response_cache`,
		`DELETE FROM sync_meta WHERE key NOT IN ('schema_version')`,
		`INSERT OR REPLACE INTO sync_meta (key, value) VALUES ('last_sync_at', '')`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// timeLayout is fixed-width so lexicographic comparison in SQL matches
// chronological ordering. RFC3339Nano trims trailing zeros, which breaks
// the comparison for whole-second timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp in the canonical column format.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a canonical column timestamp. Zero time on failure is
// acceptable for display fields; callers that need strictness check err.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
