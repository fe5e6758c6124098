package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/verdantlab/fieldsync/internal/connectivity"
	"github.com/verdantlab/fieldsync/internal/types"
)

// DraftSource supplies unsynced drafts and records their acknowledgment.
type DraftSource interface {
	Unsynced(ctx context.Context) ([]types.DraftObservation, error)
	MarkSynced(ctx context.Context, ids []string) error
}

// DocumentSource supplies pending documents and records their
// acknowledgment. SetSyncing exposes the in-progress flag to status
// queries.
type DocumentSource interface {
	Pending(ctx context.Context) ([]types.SyncableDocument, error)
	MarkSynced(ctx context.Context, refs []types.DocumentRef) error
	SetSyncing(bool)
}

// Pusher sends one batch to the remote sync endpoint.
type Pusher interface {
	PushBatch(ctx context.Context, batch *types.PushBatch) (*types.PushResponse, error)
}

// Bookkeeper persists sync timestamps and supplies user settings.
type Bookkeeper interface {
	SyncSettings(ctx context.Context) (types.SyncSettings, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error
}

// Result is the outcome of one sync attempt. A non-empty Skip means the
// gates vetoed the attempt; Pushed counts acknowledged records.
type Result struct {
	Pushed int
	Skip   SkipReason
}

// Syncer coordinates gated, batched pushes of pending work.
type Syncer struct {
	monitor  *connectivity.Monitor
	gates    []GatePredicate
	battery  BatteryProbe
	network  NetworkProbe
	drafts   DraftSource
	docs     DocumentSource
	pusher   Pusher
	meta     Bookkeeper
	sourceID string
	logger   *slog.Logger

	mu sync.Mutex // serializes sync attempts
	wg sync.WaitGroup
}

// Options configure a Syncer.
type Options struct {
	Monitor  *connectivity.Monitor
	Gates    []GatePredicate
	Battery  BatteryProbe
	Network  NetworkProbe
	Drafts   DraftSource
	Docs     DocumentSource
	Pusher   Pusher
	Meta     Bookkeeper
	SourceID string
	Logger   *slog.Logger
}

// New creates a Syncer. Nil gates default to DefaultGates with the
// standard battery threshold; nil probes default to an always-passing
// environment.
func New(opts Options) *Syncer {
	if opts.Gates == nil {
		opts.Gates = DefaultGates(GateConfig{MinBatteryLevel: 0.20})
	}
	if opts.Battery == nil {
		opts.Battery = StaticProbes{State: types.BatteryState{Charging: true, Level: 1}}
	}
	if opts.Network == nil {
		opts.Network = StaticProbes{Tier: types.TierWifi}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SourceID == "" {
		opts.SourceID = "field-device"
	}
	return &Syncer{
		monitor:  opts.Monitor,
		gates:    opts.Gates,
		battery:  opts.Battery,
		network:  opts.Network,
		drafts:   opts.Drafts,
		docs:     opts.Docs,
		pusher:   opts.Pusher,
		meta:     opts.Meta,
		sourceID: opts.SourceID,
		logger:   opts.Logger,
	}
}

// snapshot samples the environment once. Settings failures fall back to
// defaults rather than blocking the attempt.
func (s *Syncer) snapshot(ctx context.Context) EnvSnapshot {
	settings, err := s.meta.SyncSettings(ctx)
	if err != nil {
		s.logger.Warn("failed to load sync settings, using defaults", "error", err)
		settings = types.DefaultSyncSettings()
	}
	env := EnvSnapshot{
		Online:   s.monitor.Online(),
		Battery:  s.battery.Battery(),
		Settings: settings,
	}
	if env.Online {
		env.Network = s.network.NetworkTier(ctx)
	}
	return env
}

// SyncNow runs one sync attempt: sample the environment, evaluate the
// gates, and on a pass push every unsynced draft and pending document
// in a single batch. A veto is reported in the Result, never as an
// error. A push failure leaves all work unsynced for the next attempt.
func (s *Syncer) SyncNow(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := s.snapshot(ctx)
	if reason := Evaluate(s.gates, env); reason != SkipNone {
		s.logger.Info("sync skipped", "reason", string(reason))
		return Result{Skip: reason}, nil
	}

	drafts, err := s.drafts.Unsynced(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load unsynced drafts: %w", err)
	}
	docs, err := s.docs.Pending(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load pending documents: %w", err)
	}
	if len(drafts) == 0 && len(docs) == 0 {
		return Result{}, nil
	}

	s.docs.SetSyncing(true)
	defer s.docs.SetSyncing(false)

	batch := &types.PushBatch{
		PushID:    uuid.NewString(),
		SourceID:  s.sourceID,
		Drafts:    drafts,
		Documents: docs,
	}

	s.logger.Info("pushing batch",
		"push_id", batch.PushID, "drafts", len(drafts), "documents", len(docs))

	resp, err := s.pusher.PushBatch(ctx, batch)
	if err != nil {
		s.logger.Warn("push failed, work stays pending", "push_id", batch.PushID, "error", err)
		return Result{}, err
	}

	draftIDs := make([]string, len(drafts))
	for i, d := range drafts {
		draftIDs[i] = d.ID
	}
	if err := s.drafts.MarkSynced(ctx, draftIDs); err != nil {
		return Result{}, fmt.Errorf("acknowledge drafts: %w", err)
	}

	refs := make([]types.DocumentRef, len(docs))
	for i, d := range docs {
		refs[i] = types.DocumentRef{Type: d.Type, ID: d.ID}
	}
	if err := s.docs.MarkSynced(ctx, refs); err != nil {
		return Result{}, fmt.Errorf("acknowledge documents: %w", err)
	}

	if err := s.meta.SetLastSyncTime(ctx, time.Now().UTC()); err != nil {
		return Result{}, fmt.Errorf("record sync time: %w", err)
	}

	s.logger.Info("push acknowledged", "push_id", batch.PushID, "accepted", resp.Accepted)
	return Result{Pushed: len(drafts) + len(docs)}, nil
}

// AttachTo subscribes the syncer to connectivity transitions: regaining
// the network triggers an automatic attempt, provided auto sync is
// enabled. The returned detach function unsubscribes and waits for any
// attempt it spawned, so the store outlives every in-flight push.
func (s *Syncer) AttachTo(monitor *connectivity.Monitor) (detach func()) {
	unsubscribe := monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.autoSync(context.Background(), "reconnect")
		}()
	})
	return func() {
		unsubscribe()
		s.wg.Wait()
	}
}

// RunAutoSync attempts a sync on every tick until ctx is cancelled.
func (s *Syncer) RunAutoSync(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.logger.Info("auto sync started", "interval", every)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auto sync stopped")
			return
		case <-ticker.C:
			s.autoSync(ctx, "interval")
		}
	}
}

// autoSync is the entry point for automatic triggers. Unlike a manual
// SyncNow it honors the user's auto sync preference.
func (s *Syncer) autoSync(ctx context.Context, trigger string) {
	settings, err := s.meta.SyncSettings(ctx)
	if err == nil && !settings.AutoSync {
		return
	}
	if _, err := s.SyncNow(ctx); err != nil {
		s.logger.Warn("automatic sync failed", "trigger", trigger, "error", err)
	}
}
