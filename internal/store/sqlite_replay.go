package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/verdantlab/fieldsync/internal/types"
)

// EnqueueReplay durably stores a failed write request for later replay.
// New entries get a generated ULID and the current enqueue time unless
// the caller supplied them.
func (s *SQLiteStore) EnqueueReplay(ctx context.Context, entry *types.ReplayEntry) (*types.ReplayEntry, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replay_queue (id, method, url, headers, body, entity_type, entity_id, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Method, entry.URL, string(headers), entry.Body,
		entry.EntityType, entry.EntityID, entry.Attempts, formatTime(entry.EnqueuedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueue replay %s: %w", entry.ID, err)
	}

	return entry, nil
}

// ListReplayable returns queued requests oldest first, up to limit.
// A limit of zero means no limit.
func (s *SQLiteStore) ListReplayable(ctx context.Context, limit int) ([]types.ReplayEntry, error) {
	query := `
		SELECT id, method, url, headers, body, entity_type, entity_id, attempts, enqueued_at
		FROM replay_queue
		ORDER BY enqueued_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query replay queue: %w", err)
	}
	defer rows.Close()

	entries := make([]types.ReplayEntry, 0)
	for rows.Next() {
		var e types.ReplayEntry
		var headers string
		var body []byte
		var enqueuedAt string

		if err := rows.Scan(&e.ID, &e.Method, &e.URL, &headers, &body,
			&e.EntityType, &e.EntityID, &e.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan replay entry: %w", err)
		}

		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
				slog.Warn("replay_queue: failed to parse headers", "id", e.ID, "error", err)
			}
		}
		e.Body = body
		var parseErr error
		if e.EnqueuedAt, parseErr = parseTime(enqueuedAt); parseErr != nil {
			slog.Warn("replay_queue: failed to parse enqueued_at", "value", enqueuedAt, "error", parseErr)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteReplay removes a replayed (or abandoned) entry. Idempotent.
func (s *SQLiteStore) DeleteReplay(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete replay %s: %w", id, err)
	}
	return nil
}

// IncrementReplayAttempts records one more failed replay attempt.
func (s *SQLiteStore) IncrementReplayAttempts(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE replay_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment replay attempts %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeReplaysBefore drops entries enqueued before the cutoff — the
// retention window has passed and an un-replayed request is abandoned.
// Returns the number of entries removed.
func (s *SQLiteStore) PurgeReplaysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_queue WHERE enqueued_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge replay queue: %w", err)
	}
	return result.RowsAffected()
}

// CountReplays returns the number of queued requests.
func (s *SQLiteStore) CountReplays(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count replay queue: %w", err)
	}
	return count, nil
}

// --- Response cache ---

// PutCacheEntry stores (or refreshes) a cached response for its
// (class, url) key.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry *types.CacheEntry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO response_cache (class, url, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Class, entry.URL, entry.Status, string(headers), entry.Body, formatTime(entry.StoredAt))
	if err != nil {
		return fmt.Errorf("put cache entry %s %s: %w", entry.Class, entry.URL, err)
	}
	return nil
}

// GetCacheEntry retrieves a cached response. Returns ErrNotFound on miss.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, class, url string) (*types.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT class, url, status, headers, body, stored_at
		FROM response_cache
		WHERE class = ? AND url = ?
	`, class, url)

	var e types.CacheEntry
	var headers string
	var body []byte
	var storedAt string

	err := row.Scan(&e.Class, &e.URL, &e.Status, &headers, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}

	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
			slog.Warn("response_cache: failed to parse headers", "url", e.URL, "error", err)
		}
	}
	e.Body = body
	var parseErr error
	if e.StoredAt, parseErr = parseTime(storedAt); parseErr != nil {
		slog.Warn("response_cache: failed to parse stored_at", "value", storedAt, "error", parseErr)
	}

	return &e, nil
}

// TrimCache enforces one class's age and entry-count bounds. Entries
// older than maxAge go first, then the oldest entries beyond maxEntries.
// Returns the number of entries removed.
func (s *SQLiteStore) TrimCache(ctx context.Context, class string, maxAge time.Duration, maxEntries int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM response_cache WHERE class = ? AND stored_at < ?`,
			class, formatTime(cutoff))
		if err != nil {
			return removed, fmt.Errorf("trim cache by age: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("get rows affected: %w", err)
		}
		removed += n
	}

	if maxEntries > 0 {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM response_cache
			WHERE class = ? AND url NOT IN (
				SELECT url FROM response_cache
				WHERE class = ?
				ORDER BY stored_at DESC
				LIMIT ?
			)
		`, class, class, maxEntries)
		if err != nil {
			return removed, fmt.Errorf("trim cache by count: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("get rows affected: %w", err)
		}
		removed += n
	}

	return removed, nil
}

// CacheStats returns the cache's total body bytes and entry count.
func (s *SQLiteStore) CacheStats(ctx context.Context) (int64, int, error) {
	var bytes sql.NullInt64
	var entries int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(body)), 0), COUNT(*) FROM response_cache`).Scan(&bytes, &entries)
	if err != nil {
		return 0, 0, fmt.Errorf("cache stats: %w", err)
	}
	return bytes.Int64, entries, nil
}

// EnforceCacheQuota evicts oldest entries across classes until total body
// bytes fit under maxBytes. Returns the number of entries removed.
func (s *SQLiteStore) EnforceCacheQuota(ctx context.Context, maxBytes int64) (int64, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	var removed int64
	for {
		bytes, entries, err := s.CacheStats(ctx)
		if err != nil {
			return removed, err
		}
		if bytes <= maxBytes || entries == 0 {
			return removed, nil
		}

		// Evict the single oldest entry and re-check. Field-scale caches
		// are small enough that the loop stays cheap.
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM response_cache
			WHERE (class, url) IN (
				SELECT class, url FROM response_cache
				ORDER BY stored_at ASC
				LIMIT 1
			)
		`)
		if err != nil {
			return removed, fmt.Errorf("evict cache entry: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return removed, nil
		}
		removed += n
	}
}
