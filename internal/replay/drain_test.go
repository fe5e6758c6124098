package replay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdantlab/fieldsync/internal/connectivity"
	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
)

type recordingMarker struct {
	mu   sync.Mutex
	refs []types.DocumentRef
}

func (m *recordingMarker) MarkSynced(_ context.Context, refs []types.DocumentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, refs...)
	return nil
}

func newDrainStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "drain.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDrain_ReplaysAndMarksEntity(t *testing.T) {
	var mu sync.Mutex
	var received []string

	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		received = append(received, req.Header.Get(HeaderEntityID))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	marker := &recordingMarker{}
	ctx := context.Background()

	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method:     http.MethodPost,
		URL:        server.URL + "/api/v2/observations",
		Headers:    map[string][]string{HeaderEntityID: {"obs-1"}},
		Body:       []byte(`{"value":"125"}`),
		EntityType: "observation",
		EntityID:   "obs-1",
	})
	require.NoError(t, err)

	d := NewDrainer(DrainerOptions{Store: s, Marker: marker})
	require.NoError(t, d.Drain(ctx))

	// The queued write reached the server and left the queue
	mu.Lock()
	assert.Equal(t, []string{"obs-1"}, received)
	mu.Unlock()
	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// And its ledger document was marked synced
	marker.mu.Lock()
	defer marker.mu.Unlock()
	assert.Equal(t, []types.DocumentRef{{Type: "observation", ID: "obs-1"}}, marker.refs)
}

func TestDrain_ConcurrentRunsSendEachWriteOnce(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	ctx := context.Background()
	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v2/observations",
	})
	require.NoError(t, err)

	// When: A reconnect trigger and an interval tick race
	d := NewDrainer(DrainerOptions{Store: s})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Drain(ctx))
		}()
	}
	wg.Wait()

	// Then: The queued write reached the server exactly once
	assert.Equal(t, int32(1), hits.Load())
	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_RejectedWriteDropped(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad trait", http.StatusUnprocessableEntity)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	marker := &recordingMarker{}
	ctx := context.Background()

	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method:     http.MethodPost,
		URL:        server.URL + "/api/v2/observations",
		EntityType: "observation",
		EntityID:   "obs-1",
	})
	require.NoError(t, err)

	d := NewDrainer(DrainerOptions{Store: s, Marker: marker})
	require.NoError(t, d.Drain(ctx))

	// A 4xx is final; the entry is gone and nothing was marked synced
	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, marker.refs)
}

func TestDrain_ServerErrorDefers(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	ctx := context.Background()

	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v2/observations",
	})
	require.NoError(t, err)

	d := NewDrainer(DrainerOptions{Store: s})
	require.NoError(t, d.Drain(ctx))

	// The entry survives with one more attempt on record
	entries, err := s.ListReplayable(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestDrain_MaxAttemptsAbandons(t *testing.T) {
	s := newDrainStore(t)
	ctx := context.Background()

	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method:   http.MethodPost,
		URL:      "http://127.0.0.1:1/api/v2/observations",
		Attempts: 3,
	})
	require.NoError(t, err)

	d := NewDrainer(DrainerOptions{Store: s, MaxAttempts: 3})
	require.NoError(t, d.Drain(ctx))

	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "entry past max attempts must be abandoned")
}

func TestDrain_RetentionPurge(t *testing.T) {
	s := newDrainStore(t)
	ctx := context.Background()

	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method:     http.MethodPost,
		URL:        "http://x/api/v2/observations",
		EnqueuedAt: time.Now().Add(-25 * time.Hour),
	})
	require.NoError(t, err)

	d := NewDrainer(DrainerOptions{Store: s, Retention: 24 * time.Hour})
	require.NoError(t, d.Drain(ctx))

	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "entry past retention must be purged before replay")
}

func TestMaintain_TrimsAndEnforcesQuota(t *testing.T) {
	s := newDrainStore(t)
	ctx := context.Background()

	body := make([]byte, 1024)
	require.NoError(t, s.PutCacheEntry(ctx, &types.CacheEntry{
		Class: string(ClassMetadata), URL: "http://x/old", Status: 200,
		StoredAt: time.Now().Add(-time.Hour),
	}))
	for _, u := range []string{"http://x/1", "http://x/2", "http://x/3"} {
		require.NoError(t, s.PutCacheEntry(ctx, &types.CacheEntry{
			Class: string(ClassImages), URL: u, Status: 200, Body: body,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	d := NewDrainer(DrainerOptions{Store: s, Maintenance: Maintenance{
		Metadata:   ClassPolicy{MaxAge: 15 * time.Minute, MaxEntries: 200},
		Images:     ClassPolicy{MaxAge: 7 * 24 * time.Hour, MaxEntries: 300},
		QuotaBytes: 2048,
	}})
	require.NoError(t, d.Maintain(ctx))

	// The expired metadata entry and the oldest over-quota image are gone
	_, err := s.GetCacheEntry(ctx, string(ClassMetadata), "http://x/old")
	assert.Error(t, err)
	_, err = s.GetCacheEntry(ctx, string(ClassImages), "http://x/1")
	assert.Error(t, err)
	_, err = s.GetCacheEntry(ctx, string(ClassImages), "http://x/3")
	assert.NoError(t, err)
}

func TestAttachTo_ReconnectDrains(t *testing.T) {
	var mu sync.Mutex
	var hits int
	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	ctx := context.Background()
	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v2/observations",
	})
	require.NoError(t, err)

	monitor := connectivity.New(false, nil)
	d := NewDrainer(DrainerOptions{Store: s})
	detach := d.AttachTo(monitor)
	defer detach()

	monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.CountReplays(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reconnect never drained the queue")
}

func TestAttachTo_DetachWaitsForInFlightDrain(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v2/observations", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(r)
	defer server.Close()

	s := newDrainStore(t)
	ctx := context.Background()
	_, err := s.EnqueueReplay(ctx, &types.ReplayEntry{
		Method: http.MethodPost,
		URL:    server.URL + "/api/v2/observations",
	})
	require.NoError(t, err)

	monitor := connectivity.New(false, nil)
	d := NewDrainer(DrainerOptions{Store: s})
	detach := d.AttachTo(monitor)

	// The reconnect drain is spawned during SetOnline; detach must not
	// return while it still holds the store.
	monitor.SetOnline(true)
	detach()

	n, err := s.CountReplays(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "detach returned before the reconnect drain finished")
}
