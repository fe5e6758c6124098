package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/verdantlab/fieldsync/internal/config"
	"github.com/verdantlab/fieldsync/internal/types"
)

// fakeRemote is an in-memory breeding API whose reachability can be
// toggled to simulate a device moving in and out of coverage.
type fakeRemote struct {
	server *httptest.Server
	down   atomic.Bool

	mu      sync.Mutex
	batches []types.PushBatch
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if f.down.Load() {
				http.Error(w, "unreachable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/v2/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v2/offline-sync/push", func(w http.ResponseWriter, req *http.Request) {
		var batch types.PushBatch
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.batches = append(f.batches, batch)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(types.PushResponse{
			Accepted: len(batch.Drafts) + len(batch.Documents),
		})
	})
	r.Get("/api/v2/studies/{studyID}/bundle", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "studyID")
		json.NewEncoder(w).Encode(types.StudyBundle{
			StudyID: id,
			Study:   json.RawMessage(`{"id":"` + id + `","name":"Winter trial"}`),
			Plots: []json.RawMessage{
				json.RawMessage(`{"id":"plot-1"}`),
				json.RawMessage(`{"id":"plot-2"}`),
			},
			Traits: []json.RawMessage{json.RawMessage(`{"id":"plant_height"}`)},
		})
	})
	r.Get("/api/v2/traits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"plant_height"}]`))
	})

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Storage.Path = filepath.Join(t.TempDir(), "fieldsync.db")
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.SourceID = "test-tablet"
	cfg.Gating.ProbeInterval = config.Duration(20 * time.Millisecond)
	cfg.Gating.AutoSyncEvery = config.Duration(time.Hour)
	cfg.Replay.DrainInterval = config.Duration(time.Hour)
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_OfflineCollectionThenReconnectPushes(t *testing.T) {
	remote := newFakeRemote(t)
	remote.down.Store(true)
	c := newTestClient(t, testConfig(t, remote.server.URL))
	ctx := context.Background()

	waitFor(t, "initial offline state", func() bool { return !c.Online() })

	// Given: Work collected out of coverage
	if _, err := c.SaveDraft(ctx, &types.DraftObservation{
		TrialID: "trial-1", ObservationUnitID: "plot-42", TraitID: "plant_height", Value: "125",
	}); err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}
	if _, err := c.SaveDocument(ctx, &types.SyncableDocument{
		ID: "cross-1", Type: types.DocCross, Data: json.RawMessage(`{"status":"completed"}`),
	}); err != nil {
		t.Fatalf("SaveDocument() error = %v", err)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.IsOnline || status.PendingChanges != 2 {
		t.Errorf("offline status = %+v, want 2 pending changes", status)
	}
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should be nil before any push")
	}

	// When: The device regains coverage
	remote.down.Store(false)

	// Then: The reconnect edge triggers one push of everything pending
	waitFor(t, "reconnect push", func() bool { return remote.batchCount() >= 1 })
	waitFor(t, "pending drained", func() bool {
		s, err := c.Status(ctx)
		return err == nil && s.PendingChanges == 0
	})

	remote.mu.Lock()
	batch := remote.batches[0]
	remote.mu.Unlock()
	if len(batch.Drafts) != 1 || len(batch.Documents) != 1 {
		t.Errorf("batch = %d drafts, %d documents, want 1 and 1", len(batch.Drafts), len(batch.Documents))
	}
	if batch.PushID == "" || batch.SourceID != "test-tablet" {
		t.Errorf("batch identity = %q/%q", batch.PushID, batch.SourceID)
	}

	status, err = c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.IsOnline || status.LastSyncTime == nil {
		t.Errorf("post-push status = %+v", status)
	}
}

func TestClient_DownloadStudyWorksOfflineAfterward(t *testing.T) {
	remote := newFakeRemote(t)
	c := newTestClient(t, testConfig(t, remote.server.URL))
	ctx := context.Background()

	n, err := c.DownloadStudy(ctx, "study-1")
	if err != nil {
		t.Fatalf("DownloadStudy() error = %v", err)
	}
	if n != 4 {
		t.Errorf("DownloadStudy() = %d documents, want 4", n)
	}

	plots, err := c.ListDocuments(ctx, types.DocPlot)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(plots) != 2 {
		t.Errorf("plots = %d, want 2", len(plots))
	}

	// Downloaded data is already synced, not pending
	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.PendingChanges != 0 {
		t.Errorf("PendingChanges = %d after download, want 0", status.PendingChanges)
	}
}

func TestClient_InterceptedHTTPCachesMetadata(t *testing.T) {
	remote := newFakeRemote(t)
	c := newTestClient(t, testConfig(t, remote.server.URL))

	url := remote.server.URL + "/api/v2/traits"

	resp, err := c.HTTPClient().Get(url)
	if err != nil {
		t.Fatalf("first GET error = %v", err)
	}
	resp.Body.Close()

	// Second read is served stale from the local cache
	resp, err = c.HTTPClient().Get(url)
	if err != nil {
		t.Fatalf("second GET error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Fieldsync-Source") != "cache" {
		t.Error("second metadata read should come from cache")
	}
}

func TestClient_SettingsSeededOnceThenUserOwned(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := testConfig(t, remote.server.URL)
	cfg.Settings.WifiOnly = true
	ctx := context.Background()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	settings, err := c.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if !settings.WifiOnly {
		t.Error("config seed not applied on first run")
	}

	// The user turns wifi-only off; a restart must not re-seed it
	settings.WifiOnly = false
	if err := c.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	defer c2.Shutdown(ctx)

	settings, err = c2.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings() after restart error = %v", err)
	}
	if settings.WifiOnly {
		t.Error("restart must not overwrite user-saved settings")
	}
}

func TestClient_Stats(t *testing.T) {
	remote := newFakeRemote(t)
	remote.down.Store(true)
	c := newTestClient(t, testConfig(t, remote.server.URL))
	ctx := context.Background()

	if _, err := c.SaveDraft(ctx, &types.DraftObservation{
		TrialID: "t-1", ObservationUnitID: "p-1", TraitID: "height", Value: "1",
	}); err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.PendingUploads != 1 {
		t.Errorf("PendingUploads = %d, want 1", stats.PendingUploads)
	}
	if stats.LastSync != nil {
		t.Error("LastSync should be nil before any push")
	}
}

func TestClient_ShutdownIsFinal(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := testConfig(t, remote.server.URL)
	ctx := context.Background()

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}

	if _, err := c.Status(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Status() after shutdown error = %v, want ErrClosed", err)
	}
	if _, err := c.SaveDraft(ctx, &types.DraftObservation{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SaveDraft() after shutdown error = %v, want ErrClosed", err)
	}
}
