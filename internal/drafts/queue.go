// Package drafts manages field-collected observation drafts. Each draft
// moves through a binary unsynced/synced lifecycle independently of the
// document ledger: saved on the device, pushed in a batch, then marked
// synced once the remote acknowledges the batch.
package drafts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
	"github.com/verdantlab/fieldsync/internal/validation"
)

// Queue provides draft operations over the local store.
type Queue struct {
	store  store.Store
	logger *slog.Logger
}

// NewQueue creates a Queue.
func NewQueue(st store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, logger: logger}
}

// Save validates and persists a draft. A draft without an ID gets one
// assigned; re-saving an existing draft resets it to unsynced because
// its value changed after the last push.
func (q *Queue) Save(ctx context.Context, draft *types.DraftObservation) (*types.DraftObservation, error) {
	if err := validation.ValidateDraft(draft); err != nil {
		return nil, err
	}

	saved, err := q.store.SaveDraft(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	q.logger.Debug("draft saved",
		"id", saved.ID, "trial_id", saved.TrialID, "trait_id", saved.TraitID)
	return saved, nil
}

// Get retrieves one draft. Returns store.ErrNotFound when absent.
func (q *Queue) Get(ctx context.Context, id string) (*types.DraftObservation, error) {
	return q.store.GetDraft(ctx, id)
}

// List returns drafts most recently updated first. A limit of zero
// returns all of them.
func (q *Queue) List(ctx context.Context, limit int) ([]types.DraftObservation, error) {
	return q.store.ListDrafts(ctx, limit)
}

// Unsynced returns drafts awaiting a push, oldest first so a partial
// batch always drains in collection order.
func (q *Queue) Unsynced(ctx context.Context) ([]types.DraftObservation, error) {
	return q.store.GetUnsyncedDrafts(ctx)
}

// MarkSynced flips the given drafts to synced after a confirmed push.
func (q *Queue) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.store.MarkDraftsSynced(ctx, ids); err != nil {
		return fmt.Errorf("mark drafts synced: %w", err)
	}
	q.logger.Info("drafts acknowledged", "count", len(ids))
	return nil
}

// Delete removes a draft. Deleting an absent draft is a no-op.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.DeleteDraft(ctx, id)
}

// CountUnsynced returns the number of drafts awaiting a push.
func (q *Queue) CountUnsynced(ctx context.Context) (int, error) {
	return q.store.CountUnsyncedDrafts(ctx)
}
