// Package fieldsync is the embeddable offline-first sync client for the
// breeding API. It owns the local store, the connectivity monitor, the
// gated sync scheduler and the network interception layer, and exposes
// them behind one handle.
package fieldsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/verdantlab/fieldsync/internal/attach"
	"github.com/verdantlab/fieldsync/internal/config"
	"github.com/verdantlab/fieldsync/internal/connectivity"
	"github.com/verdantlab/fieldsync/internal/drafts"
	"github.com/verdantlab/fieldsync/internal/ledger"
	"github.com/verdantlab/fieldsync/internal/remote"
	"github.com/verdantlab/fieldsync/internal/replay"
	"github.com/verdantlab/fieldsync/internal/scheduler"
	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
)

// ErrClosed is returned on any call after Shutdown.
var ErrClosed = errors.New("fieldsync client is closed")

// Client is the sync layer's public handle. Safe for concurrent use.
type Client struct {
	cfg      *config.Config
	store    store.Store
	monitor  *connectivity.Monitor
	ledger   *ledger.Ledger
	drafts   *drafts.Queue
	remote   *remote.Client
	syncer   *scheduler.Syncer
	drainer  *replay.Drainer
	uploader attach.Uploader
	httpc    *http.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	closed   bool
	cancelBg context.CancelFunc
	detach   []func()
	bg       sync.WaitGroup
}

// New wires a Client from configuration. The client starts passive; no
// background work runs until Initialize.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := slog.Default().With("component", "fieldsync")

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	// Settings from config seed the store on first run only; the user's
	// saved preferences win afterwards.
	if err := seedSettings(st, cfg.Settings); err != nil {
		st.Close()
		return nil, err
	}

	monitor := connectivity.New(false, logger)
	policy := ledger.PolicyByName(cfg.Conflicts.Policy)
	led := ledger.New(st, monitor, policy, logger)
	draftQueue := drafts.NewQueue(st, logger)

	remoteClient := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey,
		remote.WithTimeout(time.Duration(cfg.Remote.Timeout)))

	uploader, err := attach.NewUploader(cfg.Attachments, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	cacheImages := func() bool {
		s, err := st.SyncSettings(context.Background())
		if err != nil {
			return true
		}
		return s.CacheImages
	}
	transport := replay.NewTransport(nil, st,
		time.Duration(cfg.Cache.NavigationTimeout), cacheImages, logger)
	transport.MaxAge = map[replay.ResourceClass]time.Duration{
		replay.ClassMetadata: time.Duration(cfg.Cache.Metadata.MaxAge),
		replay.ClassDatasets: time.Duration(cfg.Cache.Datasets.MaxAge),
	}
	httpc := &http.Client{Transport: transport}

	syncer := scheduler.New(scheduler.Options{
		Monitor:  monitor,
		Gates:    scheduler.DefaultGates(scheduler.GateConfig{MinBatteryLevel: cfg.Gating.MinBatteryLevel}),
		Battery:  scheduler.SysfsBatteryProbe{},
		Network:  scheduler.RTTNetworkProbe{Pinger: remoteClient},
		Drafts:   draftQueue,
		Docs:     led,
		Pusher:   remoteClient,
		Meta:     st,
		SourceID: cfg.Remote.SourceID,
		Logger:   logger,
	})

	drainer := replay.NewDrainer(replay.DrainerOptions{
		Store:       st,
		Marker:      led,
		Retention:   time.Duration(cfg.Replay.Retention),
		MaxAttempts: cfg.Replay.MaxAttempts,
		Maintenance: replay.Maintenance{
			Metadata: replay.ClassPolicy{
				MaxAge:     time.Duration(cfg.Cache.Metadata.MaxAge),
				MaxEntries: cfg.Cache.Metadata.MaxEntries,
			},
			Datasets: replay.ClassPolicy{
				MaxAge:     time.Duration(cfg.Cache.Datasets.MaxAge),
				MaxEntries: cfg.Cache.Datasets.MaxEntries,
			},
			Images: replay.ClassPolicy{
				MaxAge:     time.Duration(cfg.Cache.Images.MaxAge),
				MaxEntries: cfg.Cache.Images.MaxEntries,
			},
			QuotaBytes: int64(cfg.Settings.MaxCacheSizeMB) << 20,
		},
		Logger: logger,
	})

	return &Client{
		cfg:      cfg,
		store:    st,
		monitor:  monitor,
		ledger:   led,
		drafts:   draftQueue,
		remote:   remoteClient,
		syncer:   syncer,
		drainer:  drainer,
		uploader: uploader,
		httpc:    httpc,
		logger:   logger,
	}, nil
}

// seedSettings persists the configured defaults only when the user has
// never saved their own.
func seedSettings(st store.Store, seed config.SettingsConfig) error {
	ctx := context.Background()
	if _, err := st.GetSyncMeta(ctx, "sync_settings"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return st.SetSyncSettings(ctx, types.SyncSettings{
		AutoSync:       seed.AutoSync,
		WifiOnly:       seed.WifiOnly,
		CacheImages:    seed.CacheImages,
		MaxCacheSizeMB: seed.MaxCacheSizeMB,
	})
}

// Initialize probes the remote once to settle the initial online state
// and starts the background loops: the connectivity probe, the interval
// auto sync, the replay drainer, and the reconnect triggers.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.monitor.SetOnline(c.remote.Ping(ctx) == nil)

	bgCtx, cancel := context.WithCancel(context.Background())
	c.cancelBg = cancel

	c.detach = append(c.detach,
		c.syncer.AttachTo(c.monitor),
		c.drainer.AttachTo(c.monitor),
	)

	c.bg.Add(3)
	go func() {
		defer c.bg.Done()
		c.monitor.RunProbe(bgCtx, c.remote, time.Duration(c.cfg.Gating.ProbeInterval))
	}()
	go func() {
		defer c.bg.Done()
		c.syncer.RunAutoSync(bgCtx, time.Duration(c.cfg.Gating.AutoSyncEvery))
	}()
	go func() {
		defer c.bg.Done()
		c.drainer.Run(bgCtx, time.Duration(c.cfg.Replay.DrainInterval))
	}()

	c.logger.Info("fieldsync initialized", "online", c.monitor.Online())
	return nil
}

// Shutdown stops the background loops, attempts one final push of any
// pending work, and closes the store.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, detach := range c.detach {
		detach()
	}
	if c.cancelBg != nil {
		c.cancelBg()
	}
	c.mu.Unlock()

	c.bg.Wait()

	if _, err := c.syncer.SyncNow(ctx); err != nil {
		c.logger.Warn("final push failed, work stays pending", "error", err)
	}

	return c.store.Close()
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// HTTPClient returns an HTTP client routed through the interception
// layer. App traffic using it gets the offline caching disciplines.
func (c *Client) HTTPClient() *http.Client {
	return c.httpc
}

// SyncNow runs one manual sync attempt, bypassing the auto sync
// preference but not the environment gates.
func (c *Client) SyncNow(ctx context.Context) (scheduler.Result, error) {
	if err := c.guard(); err != nil {
		return scheduler.Result{}, err
	}
	return c.syncer.SyncNow(ctx)
}

// Status reports the live sync state.
func (c *Client) Status(ctx context.Context) (*types.SyncStatus, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.Status(ctx)
}

// Stats summarizes local bookkeeping for settings screens.
func (c *Client) Stats(ctx context.Context) (*types.SyncStats, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	bytes, entries, err := c.store.CacheStats(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := c.store.CountPendingDocuments(ctx)
	if err != nil {
		return nil, err
	}
	unsynced, err := c.store.CountUnsyncedDrafts(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := c.store.CountReplays(ctx)
	if err != nil {
		return nil, err
	}
	last, err := c.store.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}

	return &types.SyncStats{
		CachedBytes:    bytes,
		ItemsCached:    entries,
		PendingUploads: pending + unsynced,
		QueuedRequests: queued,
		LastSync:       last,
	}, nil
}

// Settings returns the user's sync preferences.
func (c *Client) Settings(ctx context.Context) (types.SyncSettings, error) {
	if err := c.guard(); err != nil {
		return types.SyncSettings{}, err
	}
	return c.store.SyncSettings(ctx)
}

// UpdateSettings persists new sync preferences. They take effect on the
// next sync attempt and cache operation.
func (c *Client) UpdateSettings(ctx context.Context, s types.SyncSettings) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.SetSyncSettings(ctx, s)
}

// SaveDocument records a domain entity, pending when offline.
func (c *Client) SaveDocument(ctx context.Context, doc *types.SyncableDocument) (*types.SyncableDocument, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.Upsert(ctx, doc)
}

// SaveDocumentCAS is SaveDocument with a version precondition.
func (c *Client) SaveDocumentCAS(ctx context.Context, doc *types.SyncableDocument, expectedVersion int64) (*types.SyncableDocument, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.UpsertCAS(ctx, doc, expectedVersion)
}

// GetDocument retrieves one document.
func (c *Client) GetDocument(ctx context.Context, docType, id string) (*types.SyncableDocument, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.Get(ctx, docType, id)
}

// ListDocuments returns all documents of a type; empty type means all.
func (c *Client) ListDocuments(ctx context.Context, docType string) ([]types.SyncableDocument, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.List(ctx, docType)
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, docType, id string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.ledger.Delete(ctx, docType, id)
}

// ApplyRemote lands a server copy of a document through the configured
// conflict policy.
func (c *Client) ApplyRemote(ctx context.Context, doc *types.SyncableDocument) (*types.SyncableDocument, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.ledger.ApplyRemote(ctx, doc)
}

// Conflicts returns surfaced, unresolved conflicts.
func (c *Client) Conflicts() []types.Conflict {
	return c.ledger.Conflicts()
}

// ResolveConflict settles a surfaced conflict by picking a side.
func (c *Client) ResolveConflict(ctx context.Context, ref types.DocumentRef, useRemote bool) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.ledger.ResolveConflict(ctx, ref, useRemote)
}

// SaveDraft records a field observation draft.
func (c *Client) SaveDraft(ctx context.Context, draft *types.DraftObservation) (*types.DraftObservation, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.drafts.Save(ctx, draft)
}

// GetDraft retrieves one draft.
func (c *Client) GetDraft(ctx context.Context, id string) (*types.DraftObservation, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.drafts.Get(ctx, id)
}

// ListDrafts returns drafts most recently updated first.
func (c *Client) ListDrafts(ctx context.Context, limit int) ([]types.DraftObservation, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.drafts.List(ctx, limit)
}

// DeleteDraft removes a draft.
func (c *Client) DeleteDraft(ctx context.Context, id string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.drafts.Delete(ctx, id)
}

// DownloadStudy fetches a study bundle from the remote and lands it
// locally in one transaction, making the study workable offline.
func (c *Client) DownloadStudy(ctx context.Context, studyID string) (int, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	bundle, err := c.remote.FetchStudyBundle(ctx, studyID)
	if err != nil {
		return 0, err
	}
	return c.ledger.ImportStudyBundle(ctx, bundle)
}

// UploadAttachment stores a field photo for a draft. Returns
// attach.ErrNotConfigured when attachment storage is not set up.
func (c *Client) UploadAttachment(ctx context.Context, draftID, filename, contentType string, data io.Reader, size int64) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	return c.uploader.Upload(ctx, draftID, filename, contentType, data, size)
}

// ClearLocalData wipes all locally stored sync state. Unsynced work is
// lost.
func (c *Client) ClearLocalData(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.ledger.ClearLocalData(ctx)
}

// Online reports the current connectivity state.
func (c *Client) Online() bool {
	return c.monitor.Online()
}

// OnConnectivityChange subscribes to connectivity transitions. Returns
// a detach function.
func (c *Client) OnConnectivityChange(fn func(online bool)) (detach func()) {
	return c.monitor.Subscribe(fn)
}
