package edge

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/optimizely/optimizely-edge-agent/internal/decision"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
)

// Cache status values recorded in response metadata.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheStale  = "stale"
	CacheBypass = "bypass"
)

// FetchResult is the orchestrator's output: what to send to the client
// before the final header/cookie augmentation step.
type FetchResult struct {
	Status      int
	Header      http.Header
	Body        []byte
	CacheStatus string
}

// Forward carries the decision-derived state propagated to the origin when
// forwardRequestToOrigin is set.
type Forward struct {
	VisitorID          string
	SerializedDecisions string
}

// Orchestrator owns the cache read/write lifecycle and the translation of a
// matched CDNVariationSettings (or its absence) into a request disposition.
type Orchestrator struct {
	adapter    platform.Adapter
	defaultTTL time.Duration
	flight     singleflight.Group
	hooks      *Hooks
}

// NewOrchestrator creates an orchestrator over the platform adapter.
// defaultTTL applies when matched settings carry no cacheTTL.
func NewOrchestrator(adapter platform.Adapter, defaultTTL time.Duration, hooks *Hooks) *Orchestrator {
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Orchestrator{adapter: adapter, defaultTTL: defaultTTL, hooks: hooks}
}

// Passthrough fetches the original request URL directly, no caching, and
// returns the response verbatim. Used when no decision carries actionable
// CDN settings for this URL.
func (o *Orchestrator) Passthrough(ctx context.Context, r *http.Request) (*FetchResult, error) {
	out, err := o.fetchURL(ctx, r, r.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	out.CacheStatus = CacheBypass
	return out, nil
}

// Execute runs the cache-aware fetch for a matched GET request.
//
// originURL is the settings' cdnResponseURL when the settings are valid
// (the match guarantees it). When cacheRequestToOrigin is set the cache is
// consulted first; on miss the origin is fetched and, only for 2xx
// responses, written back asynchronously so the response never waits for
// the write. A non-2xx origin response is returned as-is (500-class
// propagation) and never written. When cacheRequestToOrigin is unset every
// request fetches fresh with no cache read or write.
func (o *Orchestrator) Execute(ctx context.Context, r *http.Request, m *decision.Match, cfg *RequestConfig, fwd Forward) (*FetchResult, error) {
	settings := m.Settings
	originURL := settings.CDNResponseURL

	var fwdHeaders http.Header
	if settings.ForwardRequestToOrigin {
		fwdHeaders = forwardHeaders(r, fwd, cfg.SetRequestHeaders, cfg.SetRequestCookies)
		// Forwarding means the origin serves its own content for the
		// variation; the fetch goes to the original URL with the decision
		// state attached.
		originURL = r.URL.String()
	}

	if !settings.CacheRequestToOrigin {
		out, err := o.fetchURL(ctx, r, originURL, fwdHeaders)
		if err != nil {
			return nil, err
		}
		out.CacheStatus = CacheBypass
		return out, nil
	}

	key := CacheKey(settings, m.FlagKey, m.VariationKey, originURL)
	ttl := o.defaultTTL
	if settings.CacheTTL > 0 {
		ttl = time.Duration(settings.CacheTTL) * time.Second
	}

	o.hooks.Trigger(ctx, HookBeforeCacheRead, cfg)

	status := CacheMiss
	if !cfg.OverrideCache {
		if cached := cacheRead(ctx, o.adapter.KV(), key); cached != nil {
			if !cached.Stale(ttl, time.Now()) {
				return &FetchResult{
					Status:      cached.Status,
					Header:      cached.Header.Clone(),
					Body:        cached.Body,
					CacheStatus: CacheHit,
				}, nil
			}
			// Stale entries are refetched; the new response overwrites the
			// entry below.
			status = CacheStale
		}
	}

	// Coalesce concurrent misses for the same key within this process. The
	// cross-process double-fetch window remains and is an accepted
	// trade-off: duplication, not corruption.
	result, err, _ := o.flight.Do(key, func() (any, error) {
		return o.fetchURL(ctx, r, originURL, fwdHeaders)
	})
	if err != nil {
		return nil, err
	}
	out := result.(*FetchResult)
	out.CacheStatus = status

	if out.Status >= 200 && out.Status < 300 {
		cached := &CachedResponse{
			Status:   out.Status,
			Header:   out.Header.Clone(),
			Body:     out.Body,
			StoredAt: time.Now(),
		}
		o.adapter.WaitUntil(func(taskCtx context.Context) {
			if err := cacheWrite(taskCtx, o.adapter.KV(), key, cached); err != nil {
				log.Printf("[edge] cache write failed: key=%s error=%v", key, err)
				return
			}
			o.hooks.Trigger(taskCtx, HookAfterCacheWrite, cfg)
		})
	} else {
		log.Printf("[edge] origin returned status %d for %s; response not cached", out.Status, originURL)
	}
	return out, nil
}

// fetchURL clones the inbound request onto targetURL and performs the
// fetch. Method, headers and body are preserved, except that GET/HEAD
// clones never carry a body even if the original request object exposes
// one. extra headers (forwarded decision state) are set on the clone only.
func (o *Orchestrator) fetchURL(ctx context.Context, r *http.Request, targetURL string, extra http.Header) (*FetchResult, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		blob, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	// The loopback marker keeps an edge worker that fronts its own origin
	// from re-entering the pipeline on its own subrequests.
	req.Header.Set(HeaderWorkerOp, "subrequest")
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := o.adapter.Fetch(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: blob}, nil
}

// forwardHeaders builds the decision-derived headers propagated to the
// origin so it can make server-side use of the edge's bucketing decision.
// setHeaders and setCookies gate the two propagation channels (the
// setRequestHeaders/setRequestCookies request options). The inbound request
// is never mutated; a fresh header set is returned.
func forwardHeaders(r *http.Request, fwd Forward, setHeaders, setCookies bool) http.Header {
	h := make(http.Header)
	cookie := r.Header.Get("Cookie")
	if fwd.VisitorID != "" {
		if setHeaders {
			h = platform.CloneHeader(h, HeaderVisitorID, fwd.VisitorID)
		}
		if setCookies {
			cookie = appendCookiePair(cookie, CookieVisitorID, fwd.VisitorID)
		}
	}
	if fwd.SerializedDecisions != "" {
		if setHeaders {
			h = platform.CloneHeader(h, HeaderDecisions, fwd.SerializedDecisions)
		}
		if setCookies {
			cookie = appendCookiePair(cookie, CookieDecisions, fwd.SerializedDecisions)
		}
	}
	if setCookies && cookie != "" {
		h = platform.CloneHeader(h, "Cookie", cookie)
	}
	return h
}

func appendCookiePair(cookie, name, value string) string {
	pair := name + "=" + value
	if cookie == "" {
		return pair
	}
	return cookie + "; " + pair
}
