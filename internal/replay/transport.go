package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/verdantlab/fieldsync/internal/store"
	"github.com/verdantlab/fieldsync/internal/types"
)

// Headers the app sets on queueable writes so a replayed request can be
// tied back to the ledger document it carries.
const (
	HeaderEntityType = "X-Fieldsync-Entity-Type"
	HeaderEntityID   = "X-Fieldsync-Entity-Id"
	// HeaderReplayed marks a response synthesized or served from cache.
	HeaderReplayed = "X-Fieldsync-Source"
)

const maxCachedBody = 8 << 20

// Transport is an http.RoundTripper implementing the per-class caching
// disciplines over a base transport.
type Transport struct {
	Base  http.RoundTripper
	Store store.Store
	// NavigationTimeout caps how long a page load waits for the network
	// before falling back to cache.
	NavigationTimeout time.Duration
	// CacheImages gates the image discipline at request time. Nil means
	// always cache.
	CacheImages func() bool
	// MaxAge bounds how stale a cached entry may be served for the
	// stale-while-revalidate classes. A zero or missing bound means the
	// periodic trim is the only limit.
	MaxAge map[ResourceClass]time.Duration
	Logger *slog.Logger
}

// NewTransport wraps base with the interception layer.
func NewTransport(base http.RoundTripper, st store.Store, navTimeout time.Duration, cacheImages func() bool, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if navTimeout <= 0 {
		navTimeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		Base:              base,
		Store:             st,
		NavigationTimeout: navTimeout,
		CacheImages:       cacheImages,
		Logger:            logger,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch Classify(req) {
	case ClassNavigation:
		return t.networkFirst(req)
	case ClassMetadata:
		return t.staleWhileRevalidate(req, ClassMetadata)
	case ClassDatasets:
		return t.staleWhileRevalidate(req, ClassDatasets)
	case ClassImages:
		if t.CacheImages != nil && !t.CacheImages() {
			return t.Base.RoundTrip(req)
		}
		return t.cacheFirst(req)
	case ClassMutation:
		return t.writeThrough(req)
	default:
		return t.Base.RoundTrip(req)
	}
}

// networkFirst tries the live page within the navigation timeout and
// falls back to the last cached copy, so the app shell still opens in a
// dead zone.
func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	// The body must be fully buffered before this cancel fires, or the
	// caller would read from a dead connection.
	ctx, cancel := context.WithTimeout(req.Context(), t.NavigationTimeout)
	defer cancel()

	resp, err := t.Base.RoundTrip(req.WithContext(ctx))
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			return t.tee(req, ClassNavigation, resp)
		}
		return bufferBody(resp)
	}

	cached, cacheErr := t.fromCache(req, ClassNavigation)
	if cacheErr != nil {
		return nil, err
	}
	t.Logger.Debug("navigation served from cache", "url", req.URL.String())
	return cached, nil
}

// staleWhileRevalidate returns the cached copy immediately while it is
// within the class's read-time age bound, refreshing it in the
// background. An entry past the bound forces a synchronous fetch; if
// the network fails, the expired copy is still served, since offline a
// stale answer beats none.
func (t *Transport) staleWhileRevalidate(req *http.Request, class ResourceClass) (*http.Response, error) {
	entry, cacheErr := t.cachedEntry(req, class)
	if cacheErr == nil && t.fresh(class, entry.StoredAt) {
		go t.revalidate(req, class)
		return cachedResponse(req, entry), nil
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		if cacheErr == nil {
			t.Logger.Debug("serving expired cache entry, network down",
				"class", string(class), "url", req.URL.String())
			return cachedResponse(req, entry), nil
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return t.tee(req, class, resp)
	}
	return resp, nil
}

// fresh reports whether an entry stored at the given time may still be
// served without a synchronous refresh.
func (t *Transport) fresh(class ResourceClass, storedAt time.Time) bool {
	maxAge := t.MaxAge[class]
	if maxAge <= 0 {
		return true
	}
	return time.Since(storedAt) < maxAge
}

// revalidate refreshes one cached entry outside the caller's request
// lifecycle.
func (t *Transport) revalidate(req *http.Request, class ResourceClass) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clone := req.Clone(ctx)
	clone.Body = nil

	resp, err := t.Base.RoundTrip(clone)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return
	}
	t.put(ctx, class, clone.URL.String(), resp.StatusCode, resp.Header, body)
}

// cacheFirst serves a stored copy when present, otherwise fetches and
// stores.
func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	if cached, err := t.fromCache(req, ClassImages); err == nil {
		return cached, nil
	}
	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return t.tee(req, ClassImages, resp)
	}
	return resp, nil
}

// writeThrough forwards a write and, when the network itself fails,
// queues the request durably and answers with a synthetic 202 so the
// caller's flow continues. Server rejections pass through untouched;
// only transport failures are queueable.
func (t *Transport) writeThrough(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := t.Base.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	entry := &types.ReplayEntry{
		Method:     req.Method,
		URL:        req.URL.String(),
		Headers:    req.Header.Clone(),
		Body:       body,
		EntityType: req.Header.Get(HeaderEntityType),
		EntityID:   req.Header.Get(HeaderEntityID),
	}
	queued, qErr := t.Store.EnqueueReplay(req.Context(), entry)
	if qErr != nil {
		// Queue write failed too; surface the original network error.
		t.Logger.Error("failed to queue write", "url", entry.URL, "error", qErr)
		return nil, err
	}

	t.Logger.Info("write queued for replay",
		"id", queued.ID, "method", entry.Method, "url", entry.URL)

	return syntheticAccepted(req, queued.ID), nil
}

// tee stores a successful response body and hands the caller an
// equivalent response.
func (t *Transport) tee(req *http.Request, class ResourceClass, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	t.put(req.Context(), class, req.URL.String(), resp.StatusCode, resp.Header, body)

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (t *Transport) put(ctx context.Context, class ResourceClass, url string, status int, headers http.Header, body []byte) {
	err := t.Store.PutCacheEntry(ctx, &types.CacheEntry{
		Class:   string(class),
		URL:     url,
		Status:  status,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		t.Logger.Warn("failed to cache response", "class", string(class), "url", url, "error", err)
	}
}

// bufferBody detaches a response from its network connection.
func bufferBody(resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (t *Transport) fromCache(req *http.Request, class ResourceClass) (*http.Response, error) {
	entry, err := t.cachedEntry(req, class)
	if err != nil {
		return nil, err
	}
	return cachedResponse(req, entry), nil
}

func (t *Transport) cachedEntry(req *http.Request, class ResourceClass) (*types.CacheEntry, error) {
	return t.Store.GetCacheEntry(req.Context(), string(class), req.URL.String())
}

// cachedResponse materializes a stored entry as an http.Response marked
// as served from cache.
func cachedResponse(req *http.Request, entry *types.CacheEntry) *http.Response {
	header := http.Header(entry.Headers)
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderReplayed, "cache")

	return &http.Response{
		StatusCode:    entry.Status,
		Status:        http.StatusText(entry.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

func syntheticAccepted(req *http.Request, replayID string) *http.Response {
	payload, _ := json.Marshal(map[string]any{
		"queued":    true,
		"replay_id": replayID,
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(payload)))
	header.Set(HeaderReplayed, "queue")

	return &http.Response{
		StatusCode:    http.StatusAccepted,
		Status:        http.StatusText(http.StatusAccepted),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Request:       req,
	}
}
