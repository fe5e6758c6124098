// Package ledger is the document layer of the sync engine. It records
// typed domain entities locally, tracks which of them still need to
// reach the remote breeding API, and reconciles remote copies against
// pending local edits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/verdantlab/fieldsync/internal/connectivity"
	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
	"github.com/verdantlab/fieldsync/internal/validation"
)

// Ledger provides document operations over the local store. Writes made
// while offline are tagged local-only and picked up by the next push.
type Ledger struct {
	store   store.Store
	monitor *connectivity.Monitor
	policy  ConflictPolicy
	logger  *slog.Logger

	syncing atomic.Bool

	mu        sync.Mutex
	conflicts []types.Conflict
}

// New creates a Ledger. A nil policy defaults to last-write-wins.
func New(st store.Store, monitor *connectivity.Monitor, policy ConflictPolicy, logger *slog.Logger) *Ledger {
	if policy == nil {
		policy = LastWriteWins{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   st,
		monitor: monitor,
		policy:  policy,
		logger:  logger,
	}
}

// Upsert saves a document, stamping it local-only when the device is
// offline at the moment of the write. The flag is sampled here, not at
// read time, so a record written offline stays pending even after the
// network returns.
func (l *Ledger) Upsert(ctx context.Context, doc *types.SyncableDocument) (*types.SyncableDocument, error) {
	if err := validation.ValidateDocument(doc); err != nil {
		return nil, err
	}

	localOnly := !l.monitor.Online()
	saved, err := l.store.UpsertDocument(ctx, doc, localOnly)
	if err != nil {
		return nil, fmt.Errorf("upsert %s/%s: %w", doc.Type, doc.ID, err)
	}

	l.logger.Debug("document saved",
		"type", saved.Type, "id", saved.ID,
		"version", saved.Version, "local_only", saved.LocalOnly)
	return saved, nil
}

// UpsertCAS is Upsert with a version precondition. expectedVersion zero
// asserts the document does not exist yet. Returns store.ErrStaleWrite
// when the precondition fails.
func (l *Ledger) UpsertCAS(ctx context.Context, doc *types.SyncableDocument, expectedVersion int64) (*types.SyncableDocument, error) {
	if err := validation.ValidateDocument(doc); err != nil {
		return nil, err
	}
	return l.store.UpsertDocumentCAS(ctx, doc, !l.monitor.Online(), expectedVersion)
}

// Get retrieves one document. Returns store.ErrNotFound when absent.
func (l *Ledger) Get(ctx context.Context, docType, id string) (*types.SyncableDocument, error) {
	return l.store.GetDocument(ctx, docType, id)
}

// List returns all documents of a type, or every document when docType
// is empty.
func (l *Ledger) List(ctx context.Context, docType string) ([]types.SyncableDocument, error) {
	return l.store.GetAllDocuments(ctx, docType)
}

// Delete removes a document. Deleting an absent document is a no-op.
func (l *Ledger) Delete(ctx context.Context, docType, id string) error {
	return l.store.DeleteDocument(ctx, docType, id)
}

// Pending returns every document still awaiting a confirmed push.
func (l *Ledger) Pending(ctx context.Context) ([]types.SyncableDocument, error) {
	return l.store.GetPendingDocuments(ctx)
}

// MarkSynced clears the local-only flag on the given documents after the
// remote has acknowledged them.
func (l *Ledger) MarkSynced(ctx context.Context, refs []types.DocumentRef) error {
	return l.store.MarkDocumentsSynced(ctx, refs)
}

// ApplyRemote lands a server copy of a document. When the local copy has
// an unsynced edit the configured conflict policy decides the outcome;
// otherwise the remote copy simply replaces the local one.
func (l *Ledger) ApplyRemote(ctx context.Context, remote *types.SyncableDocument) (*types.SyncableDocument, error) {
	if err := validation.ValidateDocument(remote); err != nil {
		return nil, err
	}

	local, err := l.store.GetDocument(ctx, remote.Type, remote.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load local %s/%s: %w", remote.Type, remote.ID, err)
	}

	if local == nil || !local.LocalOnly {
		return l.store.UpsertDocument(ctx, remote, false)
	}

	resolved, conflict, err := l.policy.Resolve(local, remote)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s/%s: %w", remote.Type, remote.ID, err)
	}
	if conflict != nil {
		l.mu.Lock()
		l.conflicts = append(l.conflicts, *conflict)
		l.mu.Unlock()
		l.logger.Warn("conflict surfaced", "type", conflict.Type, "id", conflict.ID)
		// Local copy stays pending until the user picks a side.
		return local, nil
	}

	l.logger.Debug("conflict resolved", "type", remote.Type, "id", remote.ID)

	// A resolution that kept local content still needs a push, so the
	// pending flag survives only in that case.
	keepPending := resolved != remote
	return l.store.UpsertDocument(ctx, resolved, keepPending)
}

// Conflicts returns the surfaced, still unresolved conflicts.
func (l *Ledger) Conflicts() []types.Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Conflict, len(l.conflicts))
	copy(out, l.conflicts)
	return out
}

// ResolveConflict settles a surfaced conflict by picking a side. With
// useRemote the server copy replaces the local edit; otherwise the local
// edit stays pending for the next push.
func (l *Ledger) ResolveConflict(ctx context.Context, ref types.DocumentRef, useRemote bool) error {
	l.mu.Lock()
	idx := -1
	for i, c := range l.conflicts {
		if c.Type == ref.Type && c.ID == ref.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return store.ErrNotFound
	}
	conflict := l.conflicts[idx]
	l.conflicts = append(l.conflicts[:idx], l.conflicts[idx+1:]...)
	l.mu.Unlock()

	if !useRemote {
		return nil
	}
	doc := &types.SyncableDocument{
		ID:   conflict.ID,
		Type: conflict.Type,
		Data: conflict.RemoteValue,
	}
	if _, err := l.store.UpsertDocument(ctx, doc, false); err != nil {
		return fmt.Errorf("apply remote side of conflict %s/%s: %w", ref.Type, ref.ID, err)
	}
	return nil
}

// ImportStudyBundle lands a downloaded study with its plots and traits
// in one transaction. Returns the number of documents written.
func (l *Ledger) ImportStudyBundle(ctx context.Context, bundle *types.StudyBundle) (int, error) {
	n, err := l.store.ImportStudyBundle(ctx, bundle)
	if err != nil {
		return 0, err
	}
	l.logger.Info("study bundle imported", "study_id", bundle.StudyID, "documents", n)
	return n, nil
}

// SetSyncing flips the in-progress flag reported by Status. Owned by the
// scheduler for the duration of a push.
func (l *Ledger) SetSyncing(v bool) {
	l.syncing.Store(v)
}

// Status derives a live snapshot of the sync layer's state. Pending
// counts both local-only documents and unsynced drafts.
func (l *Ledger) Status(ctx context.Context) (*types.SyncStatus, error) {
	docs, err := l.store.CountPendingDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending documents: %w", err)
	}
	drafts, err := l.store.CountUnsyncedDrafts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count unsynced drafts: %w", err)
	}
	last, err := l.store.LastSyncTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last sync time: %w", err)
	}

	return &types.SyncStatus{
		IsOnline:       l.monitor.Online(),
		IsSyncing:      l.syncing.Load(),
		PendingChanges: docs + drafts,
		LastSyncTime:   last,
		Conflicts:      l.Conflicts(),
	}, nil
}

// ClearLocalData wipes every locally persisted record. Unsynced work is
// lost; callers confirm with the user first.
func (l *Ledger) ClearLocalData(ctx context.Context) error {
	l.mu.Lock()
	l.conflicts = nil
	l.mu.Unlock()

	if err := l.store.ClearAll(ctx); err != nil {
		return err
	}
	l.logger.Info("local data cleared")
	return nil
}
