package store

import (
	"context"
	"time"

	"github.com/verdantlab/fieldsync/internal/types"
)

// Store defines the interface contract for all local persistence
// operations used by the sync layer.
type Store interface {
	// Documents
	UpsertDocument(ctx context.Context, doc *types.SyncableDocument, localOnly bool) (*types.SyncableDocument, error)
	UpsertDocumentCAS(ctx context.Context, doc *types.SyncableDocument, localOnly bool, expectedVersion int64) (*types.SyncableDocument, error)
	GetDocument(ctx context.Context, docType, id string) (*types.SyncableDocument, error)
	GetAllDocuments(ctx context.Context, docType string) ([]types.SyncableDocument, error)
	DeleteDocument(ctx context.Context, docType, id string) error
	GetPendingDocuments(ctx context.Context) ([]types.SyncableDocument, error)
	CountPendingDocuments(ctx context.Context) (int, error)
	MarkDocumentsSynced(ctx context.Context, refs []types.DocumentRef) error
	ImportStudyBundle(ctx context.Context, bundle *types.StudyBundle) (int, error)

	// Drafts
	SaveDraft(ctx context.Context, draft *types.DraftObservation) (*types.DraftObservation, error)
	GetDraft(ctx context.Context, id string) (*types.DraftObservation, error)
	ListDrafts(ctx context.Context, limit int) ([]types.DraftObservation, error)
	GetUnsyncedDrafts(ctx context.Context) ([]types.DraftObservation, error)
	MarkDraftsSynced(ctx context.Context, ids []string) error
	DeleteDraft(ctx context.Context, id string) error
	CountUnsyncedDrafts(ctx context.Context) (int, error)

	// Replay queue
	EnqueueReplay(ctx context.Context, entry *types.ReplayEntry) (*types.ReplayEntry, error)
	ListReplayable(ctx context.Context, limit int) ([]types.ReplayEntry, error)
	DeleteReplay(ctx context.Context, id string) error
	IncrementReplayAttempts(ctx context.Context, id string) error
	PurgeReplaysBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountReplays(ctx context.Context) (int, error)

	// Response cache
	PutCacheEntry(ctx context.Context, entry *types.CacheEntry) error
	GetCacheEntry(ctx context.Context, class, url string) (*types.CacheEntry, error)
	TrimCache(ctx context.Context, class string, maxAge time.Duration, maxEntries int) (int64, error)
	CacheStats(ctx context.Context) (bytes int64, entries int, err error)
	EnforceCacheQuota(ctx context.Context, maxBytes int64) (int64, error)

	// Sync bookkeeping
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	LastSyncTime(ctx context.Context) (*time.Time, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error
	SyncSettings(ctx context.Context) (types.SyncSettings, error)
	SetSyncSettings(ctx context.Context, s types.SyncSettings) error

	ClearAll(ctx context.Context) error
	Close() error
}
