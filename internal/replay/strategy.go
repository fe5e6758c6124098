// Package replay is the network interception layer. It wraps an HTTP
// transport so reads degrade to cached responses per resource class and
// failed writes land in a durable queue for later replay.
package replay

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// ResourceClass buckets a request into one caching discipline.
type ResourceClass string

const (
	// ClassBypass requests go straight to the network, untouched.
	ClassBypass ResourceClass = "bypass"
	// ClassNavigation is app shell and page loads: network first with a
	// short timeout, cached copy as the offline fallback.
	ClassNavigation ResourceClass = "navigation"
	// ClassMetadata is small reference reads, trait and trial lists:
	// serve stale immediately, revalidate in the background.
	ClassMetadata ResourceClass = "metadata"
	// ClassDatasets is bulk study and germplasm downloads: same
	// stale-while-revalidate shape with a longer shelf life.
	ClassDatasets ResourceClass = "datasets"
	// ClassImages is field photos and map tiles: cache first, a stored
	// copy never expires mid-session.
	ClassImages ResourceClass = "images"
	// ClassMutation is a write that must not be lost: pass through when
	// the network holds, queue durably when it drops.
	ClassMutation ResourceClass = "mutation"
)

// ClassPolicy bounds one class's cache.
type ClassPolicy struct {
	MaxAge     time.Duration
	MaxEntries int
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".svg":  true,
}

// Classify buckets a request. Writes against the API are mutations;
// reads split by what they fetch; anything that is not a GET or HEAD
// read and not an API write bypasses the layer.
func Classify(req *http.Request) ResourceClass {
	p := req.URL.Path

	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if strings.Contains(p, "/api/") {
			return ClassMutation
		}
		return ClassBypass
	default:
		return ClassBypass
	}

	if imageExtensions[strings.ToLower(path.Ext(p))] || strings.Contains(p, "/images/") {
		return ClassImages
	}
	if strings.Contains(p, "/api/") {
		if strings.HasSuffix(p, "/bundle") || strings.Contains(p, "/germplasm") || strings.Contains(p, "/export") {
			return ClassDatasets
		}
		return ClassMetadata
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") || path.Ext(p) == "" || path.Ext(p) == ".html" {
		return ClassNavigation
	}
	return ClassBypass
}
