package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verdantlab/fieldsync/internal/types"
)

const upsertDocumentSQL = `
	INSERT INTO documents (type, id, data, version, local_only, created_at, updated_at)
	VALUES (?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT(type, id) DO UPDATE SET
		data = excluded.data,
		version = documents.version + 1,
		local_only = excluded.local_only,
		updated_at = excluded.updated_at`

// UpsertDocument inserts or updates a document by (type, id). The insert
// path sets created_at exactly once; the conflict path deliberately
// leaves it untouched and bumps the version counter. updated_at is
// refreshed on every write.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *types.SyncableDocument, localOnly bool) (*types.SyncableDocument, error) {
	data := doc.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, upsertDocumentSQL,
		doc.Type, doc.ID, string(data), boolToInt(localOnly), now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert document %s/%s: %w", doc.Type, doc.ID, err)
	}

	return s.GetDocument(ctx, doc.Type, doc.ID)
}

// UpsertDocumentCAS is the compare-and-swap variant: the write only lands
// if the stored version still equals expectedVersion. An expectedVersion
// of zero asserts the document does not exist yet. Returns ErrStaleWrite
// when the assertion fails.
func (s *SQLiteStore) UpsertDocumentCAS(ctx context.Context, doc *types.SyncableDocument, localOnly bool, expectedVersion int64) (*types.SyncableDocument, error) {
	data := doc.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	now := formatTime(time.Now())

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (type, id, data, version, local_only, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?)
		`, doc.Type, doc.ID, string(data), boolToInt(localOnly), now, now)
		if err != nil {
			// A unique constraint violation means someone got there first.
			if _, getErr := s.GetDocument(ctx, doc.Type, doc.ID); getErr == nil {
				return nil, ErrStaleWrite
			}
			return nil, fmt.Errorf("insert document %s/%s: %w", doc.Type, doc.ID, err)
		}
		return s.GetDocument(ctx, doc.Type, doc.ID)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET data = ?, version = version + 1, local_only = ?, updated_at = ?
		WHERE type = ? AND id = ? AND version = ?
	`, string(data), boolToInt(localOnly), now, doc.Type, doc.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update document %s/%s: %w", doc.Type, doc.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrStaleWrite
	}

	return s.GetDocument(ctx, doc.Type, doc.ID)
}

// GetDocument retrieves a document by (type, id). Returns ErrNotFound
// when no such record exists.
func (s *SQLiteStore) GetDocument(ctx context.Context, docType, id string) (*types.SyncableDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT type, id, data, version, local_only, created_at, updated_at
		FROM documents
		WHERE type = ? AND id = ?
	`, docType, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// GetAllDocuments returns every document, optionally filtered to one
// type when docType is non-empty.
func (s *SQLiteStore) GetAllDocuments(ctx context.Context, docType string) ([]types.SyncableDocument, error) {
	query := `
		SELECT type, id, data, version, local_only, created_at, updated_at
		FROM documents`
	args := []any{}
	if docType != "" {
		query += ` WHERE type = ?`
		args = append(args, docType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// DeleteDocument removes a document. Deleting a nonexistent key is a
// no-op, not an error.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, docType, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE type = ? AND id = ?
	`, docType, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", docType, id, err)
	}
	return nil
}

// GetPendingDocuments returns all documents whose current state has not
// been acknowledged by the remote system, across types.
func (s *SQLiteStore) GetPendingDocuments(ctx context.Context) ([]types.SyncableDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, id, data, version, local_only, created_at, updated_at
		FROM documents
		WHERE local_only = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// CountPendingDocuments counts local-only documents without loading them.
func (s *SQLiteStore) CountPendingDocuments(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE local_only = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending documents: %w", err)
	}
	return count, nil
}

// MarkDocumentsSynced clears the local-only flag for the given documents
// atomically, after a confirmed push.
func (s *SQLiteStore) MarkDocumentsSynced(ctx context.Context, refs []types.DocumentRef) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE documents SET local_only = 0 WHERE type = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ref := range refs {
		if _, err := stmt.ExecContext(ctx, ref.Type, ref.ID); err != nil {
			return fmt.Errorf("mark %s/%s synced: %w", ref.Type, ref.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ImportStudyBundle lands a downloaded study with its plots and traits in
// a single transaction: either every record lands or none do. Records
// arriving from the server are not local-only. Returns the number of
// documents written.
func (s *SQLiteStore) ImportStudyBundle(ctx context.Context, bundle *types.StudyBundle) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertDocumentSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	written := 0

	upsert := func(docType, id string, data json.RawMessage) error {
		if _, err := stmt.ExecContext(ctx, docType, id, string(data), 0, now, now); err != nil {
			return fmt.Errorf("import %s %s: %w", docType, id, err)
		}
		written++
		return nil
	}

	if len(bundle.Study) > 0 {
		if err := upsert(types.DocStudy, bundle.StudyID, bundle.Study); err != nil {
			return 0, err
		}
	}
	for _, plot := range bundle.Plots {
		id, err := payloadID(plot)
		if err != nil {
			return 0, fmt.Errorf("plot in study %s: %w", bundle.StudyID, err)
		}
		if err := upsert(types.DocPlot, id, plot); err != nil {
			return 0, err
		}
	}
	for _, trait := range bundle.Traits {
		id, err := payloadID(trait)
		if err != nil {
			return 0, fmt.Errorf("trait in study %s: %w", bundle.StudyID, err)
		}
		if err := upsert(types.DocTrait, id, trait); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return written, nil
}

// payloadID extracts the "id" field from an opaque record payload.
func payloadID(payload json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("parse payload: %w", err)
	}
	if probe.ID == "" {
		return "", errors.New("payload has no id field")
	}
	return probe.ID, nil
}

// scanDocument scans a row into a SyncableDocument.
func scanDocument(scanner interface{ Scan(...any) error }) (*types.SyncableDocument, error) {
	var doc types.SyncableDocument
	var data string
	var localOnly int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&doc.Type,
		&doc.ID,
		&data,
		&doc.Version,
		&localOnly,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Data = json.RawMessage(data)
	doc.LocalOnly = localOnly != 0

	var parseErr error
	if doc.CreatedAt, parseErr = parseTime(createdAt); parseErr != nil {
		slog.Warn("documents: failed to parse created_at", "value", createdAt, "error", parseErr)
	}
	if doc.UpdatedAt, parseErr = parseTime(updatedAt); parseErr != nil {
		slog.Warn("documents: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}

	return &doc, nil
}

// collectDocuments drains a result set into a slice.
func collectDocuments(rows *sql.Rows) ([]types.SyncableDocument, error) {
	docs := make([]types.SyncableDocument, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
