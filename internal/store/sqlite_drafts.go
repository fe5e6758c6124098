package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/verdantlab/fieldsync/internal/types"
)

// SaveDraft inserts or updates a draft observation. New drafts get a
// generated ULID and start unsynced; updating an existing draft resets
// it to unsynced because its current value is no longer the one the
// server acknowledged. created_at is set once and preserved on update.
func (s *SQLiteStore) SaveDraft(ctx context.Context, draft *types.DraftObservation) (*types.DraftObservation, error) {
	if draft.ID == "" {
		draft.ID = ulid.Make().String()
	}
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, trial_id, observation_unit_id, trait_id, value, synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trial_id = excluded.trial_id,
			observation_unit_id = excluded.observation_unit_id,
			trait_id = excluded.trait_id,
			value = excluded.value,
			synced = 0,
			updated_at = excluded.updated_at
	`, draft.ID, draft.TrialID, draft.ObservationUnitID, draft.TraitID, draft.Value, now, now)
	if err != nil {
		return nil, fmt.Errorf("save draft %s: %w", draft.ID, err)
	}

	return s.GetDraft(ctx, draft.ID)
}

// GetDraft retrieves a draft by id. Returns ErrNotFound when missing.
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*types.DraftObservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trial_id, observation_unit_id, trait_id, value, synced, created_at, updated_at
		FROM drafts
		WHERE id = ?
	`, id)

	draft, err := scanDraft(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	return draft, nil
}

// ListDrafts returns drafts most recently updated first. A limit of zero
// means no limit.
func (s *SQLiteStore) ListDrafts(ctx context.Context, limit int) ([]types.DraftObservation, error) {
	query := `
		SELECT id, trial_id, observation_unit_id, trait_id, value, synced, created_at, updated_at
		FROM drafts
		ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer rows.Close()

	return collectDrafts(rows)
}

// GetUnsyncedDrafts returns all drafts awaiting a confirmed push, oldest
// first so a batch preserves collection order.
func (s *SQLiteStore) GetUnsyncedDrafts(ctx context.Context) ([]types.DraftObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trial_id, observation_unit_id, trait_id, value, synced, created_at, updated_at
		FROM drafts
		WHERE synced = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unsynced drafts: %w", err)
	}
	defer rows.Close()

	return collectDrafts(rows)
}

// MarkDraftsSynced flips the given drafts to synced atomically. Only
// called after the server acknowledged a batch containing these ids.
func (s *SQLiteStore) MarkDraftsSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE drafts SET synced = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark draft %s synced: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteDraft removes a draft. Deleting a nonexistent id is a no-op.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete draft %s: %w", id, err)
	}
	return nil
}

// CountUnsyncedDrafts counts drafts awaiting push without loading them.
func (s *SQLiteStore) CountUnsyncedDrafts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drafts WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unsynced drafts: %w", err)
	}
	return count, nil
}

// scanDraft scans a row into a DraftObservation.
func scanDraft(scanner interface{ Scan(...any) error }) (*types.DraftObservation, error) {
	var draft types.DraftObservation
	var synced int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&draft.ID,
		&draft.TrialID,
		&draft.ObservationUnitID,
		&draft.TraitID,
		&draft.Value,
		&synced,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	draft.Synced = synced != 0

	var parseErr error
	if draft.CreatedAt, parseErr = parseTime(createdAt); parseErr != nil {
		slog.Warn("drafts: failed to parse created_at", "value", createdAt, "error", parseErr)
	}
	if draft.UpdatedAt, parseErr = parseTime(updatedAt); parseErr != nil {
		slog.Warn("drafts: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}

	return &draft, nil
}

// collectDrafts drains a result set into a slice.
func collectDrafts(rows *sql.Rows) ([]types.DraftObservation, error) {
	drafts := make([]types.DraftObservation, 0)
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts = append(drafts, *draft)
	}
	return drafts, rows.Err()
}
