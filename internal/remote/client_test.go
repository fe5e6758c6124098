package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/verdantlab/fieldsync/internal/types"
)

// fakeAPI is a minimal in-memory breeding API.
func fakeAPI(t *testing.T) (*httptest.Server, *[]types.PushBatch) {
	t.Helper()
	var pushed []types.PushBatch

	r := chi.NewRouter()
	r.Get("/api/v2/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v2/offline-sync/push", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var batch types.PushBatch
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pushed = append(pushed, batch)
		json.NewEncoder(w).Encode(types.PushResponse{
			Accepted: len(batch.Drafts) + len(batch.Documents),
		})
	})
	r.Get("/api/v2/studies/{studyID}/bundle", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "studyID")
		if id == "missing" {
			http.Error(w, "study not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(types.StudyBundle{
			StudyID: id,
			Study:   json.RawMessage(`{"id":"` + id + `","name":"Winter trial"}`),
			Plots:   []json.RawMessage{json.RawMessage(`{"id":"plot-1"}`)},
			Traits:  []json.RawMessage{json.RawMessage(`{"id":"plant_height"}`)},
		})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, &pushed
}

func TestPing(t *testing.T) {
	server, _ := fakeAPI(t)
	client := NewClient(server.URL, "test-key")

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	server, _ := fakeAPI(t)
	server.Close()
	client := NewClient(server.URL, "test-key")

	if err := client.Ping(context.Background()); err == nil {
		t.Error("Ping() against a closed server should fail")
	}
}

func TestPushBatch(t *testing.T) {
	server, pushed := fakeAPI(t)
	client := NewClient(server.URL, "test-key")

	resp, err := client.PushBatch(context.Background(), &types.PushBatch{
		PushID:   "push-1",
		SourceID: "tablet-07",
		Drafts: []types.DraftObservation{
			{ID: "d-1", TrialID: "t-1", ObservationUnitID: "p-1", TraitID: "height", Value: "125"},
		},
	})
	if err != nil {
		t.Fatalf("PushBatch() error = %v", err)
	}
	if resp.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", resp.Accepted)
	}
	if len(*pushed) != 1 || (*pushed)[0].PushID != "push-1" {
		t.Errorf("server saw %v", *pushed)
	}
}

func TestPushBatch_Unauthorized(t *testing.T) {
	server, pushed := fakeAPI(t)
	client := NewClient(server.URL, "wrong-key")

	_, err := client.PushBatch(context.Background(), &types.PushBatch{PushID: "push-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("PushBatch() error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
	if len(*pushed) != 0 {
		t.Error("rejected batch must not be recorded")
	}
}

func TestFetchStudyBundle(t *testing.T) {
	server, _ := fakeAPI(t)
	client := NewClient(server.URL, "test-key")

	bundle, err := client.FetchStudyBundle(context.Background(), "study-1")
	if err != nil {
		t.Fatalf("FetchStudyBundle() error = %v", err)
	}
	if bundle.StudyID != "study-1" {
		t.Errorf("StudyID = %q", bundle.StudyID)
	}
	if len(bundle.Plots) != 1 || len(bundle.Traits) != 1 {
		t.Errorf("bundle = %d plots, %d traits", len(bundle.Plots), len(bundle.Traits))
	}
}

func TestFetchStudyBundle_NotFound(t *testing.T) {
	server, _ := fakeAPI(t)
	client := NewClient(server.URL, "test-key")

	_, err := client.FetchStudyBundle(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
}
