package types

import (
	"encoding/json"
	"time"
)

// SyncableDocument is a typed, locally persisted record representing one
// domain entity pending or already confirmed on the remote breeding API.
// The payload is opaque to the sync layer.
type SyncableDocument struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	LocalOnly bool            `json:"local_only"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Well-known document types. The ledger accepts any type string; these
// constants exist for the entities the field app actually collects.
const (
	DocObservation = "observation"
	DocGermplasm   = "germplasm"
	DocTrial       = "trial"
	DocStudy       = "study"
	DocPlot        = "plot"
	DocTrait       = "trait"
	DocCross       = "cross"
	DocSeedlot     = "seedlot"
)

// DocumentRef identifies a document by its (type, id) key.
type DocumentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DraftObservation is a field-collected trait measurement tracked through
// a binary synced/unsynced state until a batch push is acknowledged.
type DraftObservation struct {
	ID                string    `json:"id"`
	TrialID           string    `json:"trial_id"`
	ObservationUnitID string    `json:"observation_unit_id"`
	TraitID           string    `json:"trait_id"`
	Value             string    `json:"value"`
	Synced            bool      `json:"synced"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Conflict records a divergence between a local edit and a remote copy of
// the same document. Detection only happens when remote state is applied
// over a pending local edit; resolution policy is configurable.
type Conflict struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	LocalValue  json.RawMessage `json:"local_value"`
	RemoteValue json.RawMessage `json:"remote_value"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// SyncStatus is a derived snapshot of the sync layer's state. Counts are
// computed live from the store, never cached.
type SyncStatus struct {
	IsOnline       bool       `json:"is_online"`
	IsSyncing      bool       `json:"is_syncing"`
	PendingChanges int        `json:"pending_changes"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	Conflicts      []Conflict `json:"conflicts"`
}

// BatteryState is a sampled power reading used by sync gating.
// Level is in [0, 1].
type BatteryState struct {
	Charging bool    `json:"charging"`
	Level    float64 `json:"level"`
}

// NetworkTier categorizes effective connection quality. The worst three
// tiers veto a sync attempt.
type NetworkTier string

const (
	TierSlow2G  NetworkTier = "slow-2g"
	Tier2G      NetworkTier = "2g"
	Tier3G      NetworkTier = "3g"
	Tier4G      NetworkTier = "4g"
	TierWifi    NetworkTier = "wifi"
	TierUnknown NetworkTier = "unknown"
)

// Throttled reports whether the tier is below the push throughput
// threshold.
func (t NetworkTier) Throttled() bool {
	switch t {
	case TierSlow2G, Tier2G, Tier3G:
		return true
	}
	return false
}

// Unmetered reports whether the tier satisfies the wifi-only
// preference. RTT classification cannot tell wifi from fast cellular,
// so 4g counts, and an unknown tier passes rather than blocking every
// sync on hardware that reports nothing.
func (t NetworkTier) Unmetered() bool {
	switch t {
	case TierWifi, Tier4G, TierUnknown:
		return true
	}
	return false
}

// SyncSettings are user-adjustable sync preferences, persisted in
// sync_meta and applied by the scheduler and cache maintenance.
type SyncSettings struct {
	AutoSync       bool `json:"auto_sync"`
	WifiOnly       bool `json:"wifi_only"`
	CacheImages    bool `json:"cache_images"`
	MaxCacheSizeMB int  `json:"max_cache_size_mb"`
}

// DefaultSyncSettings returns the settings applied before the user has
// saved any overrides.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AutoSync:       true,
		WifiOnly:       false,
		CacheImages:    true,
		MaxCacheSizeMB: 256,
	}
}

// SyncStats summarizes local sync bookkeeping for settings screens.
type SyncStats struct {
	CachedBytes    int64      `json:"cached_bytes"`
	ItemsCached    int        `json:"items_cached"`
	PendingUploads int        `json:"pending_uploads"`
	QueuedRequests int        `json:"queued_requests"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// PushBatch is the payload of one batched write to the remote sync
// endpoint. The batch is treated atomically: the server acknowledges or
// rejects it as a whole.
type PushBatch struct {
	PushID    string             `json:"push_id"`
	SourceID  string             `json:"source_id"`
	Drafts    []DraftObservation `json:"drafts"`
	Documents []SyncableDocument `json:"documents"`
}

// PushResponse is the remote acknowledgment of a PushBatch.
type PushResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// StudyBundle is the result of a bulk study download: the study record
// plus its plots and traits, landed locally in a single transaction.
type StudyBundle struct {
	StudyID string            `json:"study_id"`
	Study   json.RawMessage   `json:"study"`
	Plots   []json.RawMessage `json:"plots"`
	Traits  []json.RawMessage `json:"traits"`
}

// ReplayEntry is one durably queued write request awaiting replay by the
// network interception layer.
type ReplayEntry struct {
	ID         string              `json:"id"`
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body,omitempty"`
	EntityType string              `json:"entity_type,omitempty"`
	EntityID   string              `json:"entity_id,omitempty"`
	Attempts   int                 `json:"attempts"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// CacheEntry is one cached HTTP response, keyed by resource class and URL.
type CacheEntry struct {
	Class    string              `json:"class"`
	URL      string              `json:"url"`
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers"`
	Body     []byte              `json:"body,omitempty"`
	StoredAt time.Time           `json:"stored_at"`
}
