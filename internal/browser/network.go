package browser

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingRequest is an in-flight request as reported in a snapshot.
type PendingRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	LoadingMs    int64  `json:"loading_duration_ms"`
	ResourceType string `json:"resource_type,omitempty"`
}

const (
	maxPendingReported = 20
	maxPendingURLLen   = 500
	stuckRequestAge    = 10 * time.Second
	staleAssetAge      = 3 * time.Second
)

// Hosts and path fragments of ads, analytics and telemetry that never settle and
// would keep the network wait busy for no benefit.
var ignoredRequestPatterns = []string{
	"doubleclick.net", "googlesyndication.com", "googletagmanager.com",
	"facebook.net", "analytics", "ads", "tracking", "pixel",
	"hotjar.com", "clarity.ms", "mixpanel.com", "segment.com",
	"demdex.net", "omtrdc.net", "adobedtm.com", "ensighten.com",
	"newrelic.com", "nr-data.net", "google-analytics.com",
	"connect.facebook.net", "platform.twitter.com", "platform.linkedin.com",
	".cloudfront.net/image/", ".akamaized.net/image/",
	"/tracker/", "/collector/", "/beacon/", "/telemetry/", "/log/",
	"/events/", "/eventbatch", "/track.", "/metrics/",
}

var assetExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".otf",
}

type inflight struct {
	url          string
	method       string
	resourceType string
	loaderID     string
	started      time.Time
}

// NetworkTracker follows request lifecycle events of one target.
type NetworkTracker struct {
	mu       sync.Mutex
	requests map[string]inflight
	now      func() time.Time
}

func NewNetworkTracker() *NetworkTracker {
	return &NetworkTracker{requests: make(map[string]inflight), now: time.Now}
}

// RequestStarted records a request. Method defaults to GET.
func (t *NetworkTracker) RequestStarted(id, url, method, resourceType string) {
	t.RequestStartedIn("", id, url, method, resourceType)
}

// RequestStartedIn records a request issued by the document loaderID.
func (t *NetworkTracker) RequestStartedIn(loaderID, id, url, method, resourceType string) {
	if method == "" {
		method = "GET"
	}
	t.mu.Lock()
	t.requests[id] = inflight{
		url:          url,
		method:       method,
		resourceType: strings.ToLower(resourceType),
		loaderID:     loaderID,
		started:      t.now(),
	}
	t.mu.Unlock()
}

// RequestDone removes a finished or failed request.
func (t *NetworkTracker) RequestDone(id string) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

// Reset drops every request not issued by keepLoader. It runs on main-frame
// navigation with the new document's loader; an empty keepLoader drops all.
func (t *NetworkTracker) Reset(keepLoader string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.requests {
		if keepLoader == "" || r.loaderID != keepLoader {
			delete(t.requests, id)
		}
	}
}

// Pending returns the relevant in-flight requests, oldest first, at most 20.
func (t *NetworkTracker) Pending() []PendingRequest {
	t.mu.Lock()
	now := t.now()
	out := make([]PendingRequest, 0, len(t.requests))
	for _, r := range t.requests {
		age := now.Sub(r.started)
		if !relevantRequest(r, age) {
			continue
		}
		out = append(out, PendingRequest{
			URL:          r.url,
			Method:       r.method,
			LoadingMs:    age.Milliseconds(),
			ResourceType: r.resourceType,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadingMs != out[j].LoadingMs {
			return out[i].LoadingMs > out[j].LoadingMs
		}
		return out[i].URL < out[j].URL
	})
	if len(out) > maxPendingReported {
		out = out[:maxPendingReported]
	}
	return out
}

func relevantRequest(r inflight, age time.Duration) bool {
	if strings.HasPrefix(r.url, "data:") || len(r.url) > maxPendingURLLen {
		return false
	}
	if age > stuckRequestAge {
		return false
	}
	lower := strings.ToLower(r.url)
	for _, p := range ignoredRequestPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	if age > staleAssetAge && isAsset(r.resourceType, lower) {
		return false
	}
	return true
}

func isAsset(resourceType, lowerURL string) bool {
	switch resourceType {
	case "image", "img", "font", "icon":
		return true
	}
	path := lowerURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, ext := range assetExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
