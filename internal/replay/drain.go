package replay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/verdantlab/fieldsync/internal/connectivity"
	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
)

// DocumentMarker clears the pending flag on ledger documents whose
// queued write finally landed.
type DocumentMarker interface {
	MarkSynced(ctx context.Context, refs []types.DocumentRef) error
}

// Maintenance bounds the response cache during drain runs.
type Maintenance struct {
	Metadata   ClassPolicy
	Datasets   ClassPolicy
	Images     ClassPolicy
	QuotaBytes int64
}

// Drainer replays queued writes once the network allows and keeps the
// queue and response cache within their bounds.
type Drainer struct {
	store       store.Store
	client      *http.Client
	marker      DocumentMarker
	retention   time.Duration
	maxAttempts int
	maintenance Maintenance
	logger      *slog.Logger

	mu sync.Mutex // serializes drain runs
	wg sync.WaitGroup
}

// DrainerOptions configure a Drainer.
type DrainerOptions struct {
	Store store.Store
	// Client must NOT route through the interception transport, or a
	// replayed failure would re-queue itself.
	Client      *http.Client
	Marker      DocumentMarker
	Retention   time.Duration
	MaxAttempts int
	Maintenance Maintenance
	Logger      *slog.Logger
}

// NewDrainer creates a Drainer.
func NewDrainer(opts DrainerOptions) *Drainer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Drainer{
		store:       opts.Store,
		client:      opts.Client,
		marker:      opts.Marker,
		retention:   opts.Retention,
		maxAttempts: opts.MaxAttempts,
		maintenance: opts.Maintenance,
		logger:      opts.Logger,
	}
}

// Drain replays every queued write in enqueue order. Entries past the
// retention window are abandoned first. A replay that still fails stays
// queued with its attempt count bumped; one the server rejects outright
// is dropped, since retrying a rejected payload cannot succeed.
// Runs are serialized: a reconnect trigger and an interval tick cannot
// both list and resend the same entry.
func (d *Drainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	purged, err := d.store.PurgeReplaysBefore(ctx, time.Now().Add(-d.retention))
	if err != nil {
		return fmt.Errorf("purge replay queue: %w", err)
	}
	if purged > 0 {
		d.logger.Warn("abandoned queued writes past retention", "count", purged)
	}

	entries, err := d.store.ListReplayable(ctx, 0)
	if err != nil {
		return fmt.Errorf("list replay queue: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.replayOne(ctx, entry); err != nil {
			// Network is likely still down; later entries would fail
			// the same way.
			d.logger.Info("drain stopped, queue retained", "at", entry.ID, "error", err)
			return nil
		}
	}
	return nil
}

// replayOne resends a single queued request with short exponential
// backoff. Returns an error only when the network never answered.
func (d *Drainer) replayOne(ctx context.Context, entry types.ReplayEntry) error {
	if entry.Attempts >= d.maxAttempts {
		d.logger.Warn("abandoning queued write after max attempts",
			"id", entry.ID, "attempts", entry.Attempts)
		return d.store.DeleteReplay(ctx, entry.ID)
	}

	var status int
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, entry.Method, entry.URL, bytes.NewReader(entry.Body))
		if err != nil {
			return err
		}
		for k, vs := range entry.Headers {
			req.Header[k] = vs
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		status = resp.StatusCode
		return nil
	})
	if err != nil {
		if incErr := d.store.IncrementReplayAttempts(ctx, entry.ID); incErr != nil {
			d.logger.Warn("failed to record replay attempt", "id", entry.ID, "error", incErr)
		}
		return err
	}

	if status >= 500 {
		// Server side trouble; keep the entry for the next drain.
		if err := d.store.IncrementReplayAttempts(ctx, entry.ID); err != nil {
			return err
		}
		d.logger.Info("replay deferred on server error", "id", entry.ID, "status", status)
		return nil
	}

	if err := d.store.DeleteReplay(ctx, entry.ID); err != nil {
		return err
	}

	if status >= 200 && status < 300 {
		d.logger.Info("queued write replayed", "id", entry.ID, "status", status)
		if d.marker != nil && entry.EntityType != "" && entry.EntityID != "" {
			ref := types.DocumentRef{Type: entry.EntityType, ID: entry.EntityID}
			if err := d.marker.MarkSynced(ctx, []types.DocumentRef{ref}); err != nil {
				d.logger.Warn("failed to mark entity synced",
					"type", ref.Type, "id", ref.ID, "error", err)
			}
		}
	} else {
		d.logger.Warn("queued write rejected, dropping", "id", entry.ID, "status", status)
	}
	return nil
}

// Maintain trims each cache class to its policy and enforces the global
// byte quota.
func (d *Drainer) Maintain(ctx context.Context) error {
	classes := []struct {
		class  ResourceClass
		policy ClassPolicy
	}{
		{ClassMetadata, d.maintenance.Metadata},
		{ClassDatasets, d.maintenance.Datasets},
		{ClassImages, d.maintenance.Images},
	}
	for _, c := range classes {
		n, err := d.store.TrimCache(ctx, string(c.class), c.policy.MaxAge, c.policy.MaxEntries)
		if err != nil {
			return fmt.Errorf("trim %s cache: %w", c.class, err)
		}
		if n > 0 {
			d.logger.Debug("cache trimmed", "class", string(c.class), "removed", n)
		}
	}

	if d.maintenance.QuotaBytes > 0 {
		n, err := d.store.EnforceCacheQuota(ctx, d.maintenance.QuotaBytes)
		if err != nil {
			return fmt.Errorf("enforce cache quota: %w", err)
		}
		if n > 0 {
			d.logger.Info("cache quota enforced", "evicted", n)
		}
	}
	return nil
}

// AttachTo drains immediately whenever connectivity returns. The
// returned detach function unsubscribes and waits for any drain it
// spawned, so the store outlives every in-flight replay.
func (d *Drainer) AttachTo(monitor *connectivity.Monitor) (detach func()) {
	unsubscribe := monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.Drain(context.Background()); err != nil {
				d.logger.Warn("reconnect drain failed", "error", err)
			}
		}()
	})
	return func() {
		unsubscribe()
		d.wg.Wait()
	}
}

// Run drains and maintains on every tick until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("replay drainer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("replay drainer stopped")
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("drain failed", "error", err)
			}
			if err := d.Maintain(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("cache maintenance failed", "error", err)
			}
		}
	}
}
