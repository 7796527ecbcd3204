package edge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/optimizely/optimizely-edge-agent/internal/decision"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
	"github.com/optimizely/optimizely-edge-agent/internal/store"
)

// fakeAdapter runs deferred work inline so tests observe cache writes
// without draining goroutines.
type fakeAdapter struct {
	kv       platform.Store
	fetch    func(*http.Request) (*http.Response, error)
	requests []*http.Request
}

func newFakeAdapter(fetch func(*http.Request) (*http.Response, error)) *fakeAdapter {
	return &fakeAdapter{kv: store.NewMemoryStore(1), fetch: fetch}
}

func (f *fakeAdapter) Name() string                    { return "fake" }
func (f *fakeAdapter) KV() platform.Store              { return f.kv }
func (f *fakeAdapter) ClientIP(r *http.Request) string { return r.RemoteAddr }
func (f *fakeAdapter) WaitUntil(task func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task(ctx)
}
func (f *fakeAdapter) Drain() {}
func (f *fakeAdapter) Fetch(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	return f.fetch(req)
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func matchFor(settings *decision.CDNVariationSettings) *decision.Match {
	return &decision.Match{FlagKey: "flag_1", VariationKey: "a", Settings: settings}
}

func TestPassthrough_NoCaching(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "origin body"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	out, err := o.Passthrough(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CacheStatus != CacheBypass {
		t.Errorf("Expected bypass, got %s", out.CacheStatus)
	}
	if string(out.Body) != "origin body" {
		t.Errorf("Unexpected body: %q", out.Body)
	}

	// Passthrough twice: the origin is hit both times, nothing cached
	_, _ = o.Passthrough(context.Background(), r)
	if len(adapter.requests) != 2 {
		t.Errorf("Expected 2 origin fetches, got %d", len(adapter.requests))
	}
}

func TestPassthrough_SetsLoopbackMarker(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "ok"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	_, _ = o.Passthrough(context.Background(), r)

	if got := adapter.requests[0].Header.Get(HeaderWorkerOp); got != "subrequest" {
		t.Errorf("Expected loopback marker on subrequest, got %q", got)
	}
}

func TestExecute_MissThenHit(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "variation body"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:       "https://origin.example.com/variant-a",
		CacheRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	cfg := &RequestConfig{}

	first, err := o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.CacheStatus != CacheMiss {
		t.Errorf("Expected miss on first fetch, got %s", first.CacheStatus)
	}

	second, err := o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.CacheStatus != CacheHit {
		t.Errorf("Expected hit on second fetch, got %s", second.CacheStatus)
	}
	if string(second.Body) != "variation body" {
		t.Errorf("Unexpected cached body: %q", second.Body)
	}
	if len(adapter.requests) != 1 {
		t.Errorf("Expected a single origin fetch, got %d", len(adapter.requests))
	}
	// The fetch went to the variation's response URL, not the request URL
	if got := adapter.requests[0].URL.String(); got != "https://origin.example.com/variant-a" {
		t.Errorf("Expected fetch to cdnResponseURL, got %q", got)
	}
}

func TestExecute_NoCacheDirective(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "fresh"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{CDNResponseURL: "https://origin.example.com/v"}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	cfg := &RequestConfig{}

	for i := 0; i < 3; i++ {
		out, err := o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.CacheStatus != CacheBypass {
			t.Errorf("Expected bypass without cacheRequestToOrigin, got %s", out.CacheStatus)
		}
	}
	if len(adapter.requests) != 3 {
		t.Errorf("Expected every request to hit origin, got %d fetches", len(adapter.requests))
	}
}

func TestExecute_ErrorResponseNeverCached(t *testing.T) {
	status := 500
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(status, "origin error"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:       "https://origin.example.com/v",
		CacheRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	cfg := &RequestConfig{}

	out, err := o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The failure propagates to the client as-is
	if out.Status != 500 {
		t.Errorf("Expected 500 propagated, got %d", out.Status)
	}
	if string(out.Body) != "origin error" {
		t.Errorf("Expected origin error body, got %q", out.Body)
	}

	// Origin recovers; the next request must be a miss, not a cached 500
	status = 200
	out, err = o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CacheStatus != CacheMiss {
		t.Errorf("Expected miss after uncached error, got %s", out.CacheStatus)
	}
	if out.Status != 200 {
		t.Errorf("Expected recovered 200, got %d", out.Status)
	}
	if len(adapter.requests) != 2 {
		t.Errorf("Expected 2 origin fetches, got %d", len(adapter.requests))
	}
}

func TestExecute_TTLExpiryRefetches(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "v1"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	// cacheTTL of 1 second
	settings := &decision.CDNVariationSettings{
		CDNResponseURL:       "https://origin.example.com/v",
		CacheRequestToOrigin: true,
		CacheTTL:             1,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	cfg := &RequestConfig{}

	_, _ = o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})

	// Age the stored entry past the TTL
	key := CacheKey(settings, "flag_1", "a", settings.CDNResponseURL)
	cached := cacheRead(context.Background(), adapter.kv, key)
	if cached == nil {
		t.Fatal("Expected entry cached after miss")
	}
	cached.StoredAt = time.Now().Add(-2 * time.Second)
	if err := cacheWrite(context.Background(), adapter.kv, key, cached); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CacheStatus != CacheStale {
		t.Errorf("Expected stale entry refetched as stale, got %s", out.CacheStatus)
	}
	if len(adapter.requests) != 2 {
		t.Errorf("Expected 2 origin fetches, got %d", len(adapter.requests))
	}

	// The refetch overwrote the entry; the next request is a fresh hit
	out, err = o.Execute(context.Background(), r, matchFor(settings), cfg, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CacheStatus != CacheHit {
		t.Errorf("Expected hit after stale refetch, got %s", out.CacheStatus)
	}
}

func TestExecute_OverrideCacheSkipsRead(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "fresh"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:       "https://origin.example.com/v",
		CacheRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)

	_, _ = o.Execute(context.Background(), r, matchFor(settings), &RequestConfig{}, Forward{})
	out, err := o.Execute(context.Background(), r, matchFor(settings), &RequestConfig{OverrideCache: true}, Forward{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CacheStatus != CacheMiss {
		t.Errorf("Expected overrideCache to force a refetch, got %s", out.CacheStatus)
	}
	if len(adapter.requests) != 2 {
		t.Errorf("Expected 2 origin fetches, got %d", len(adapter.requests))
	}
}

func TestExecute_ForwardRequestToOrigin(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "origin content"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:         "https://origin.example.com/ignored",
		ForwardRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	r.Header.Set("Cookie", "existing=1")

	fwd := Forward{VisitorID: "visitor-1", SerializedDecisions: "flag_1:a:r1"}
	cfg := &RequestConfig{SetRequestHeaders: true, SetRequestCookies: true}
	_, err := o.Execute(context.Background(), r, matchFor(settings), cfg, fwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := adapter.requests[0]
	// Forwarding targets the original request URL, not cdnResponseURL
	if sent.URL.String() != "https://example.com/page" {
		t.Errorf("Expected fetch to original URL, got %q", sent.URL)
	}
	if sent.Header.Get(HeaderVisitorID) != "visitor-1" {
		t.Errorf("Expected visitor header, got %q", sent.Header.Get(HeaderVisitorID))
	}
	if sent.Header.Get(HeaderDecisions) != "flag_1:a:r1" {
		t.Errorf("Expected decisions header, got %q", sent.Header.Get(HeaderDecisions))
	}
	cookie := sent.Header.Get("Cookie")
	if !strings.Contains(cookie, "existing=1") {
		t.Errorf("Expected existing cookies preserved, got %q", cookie)
	}
	if !strings.Contains(cookie, CookieVisitorID+"=visitor-1") {
		t.Errorf("Expected visitor cookie appended, got %q", cookie)
	}
	if !strings.Contains(cookie, CookieDecisions+"=flag_1:a:r1") {
		t.Errorf("Expected decisions cookie appended, got %q", cookie)
	}
	// The inbound request itself was never mutated
	if r.Header.Get(HeaderVisitorID) != "" {
		t.Error("Inbound request header mutated")
	}
	if r.Header.Get("Cookie") != "existing=1" {
		t.Errorf("Inbound cookie mutated: %q", r.Header.Get("Cookie"))
	}
}

func TestExecute_ForwardGatedByRequestOptions(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "origin content"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:         "https://origin.example.com/ignored",
		ForwardRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	r.Header.Set("Cookie", "existing=1")

	fwd := Forward{VisitorID: "visitor-1", SerializedDecisions: "flag_1:a:r1"}
	cfg := &RequestConfig{SetRequestHeaders: true}
	if _, err := o.Execute(context.Background(), r, matchFor(settings), cfg, fwd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := adapter.requests[0]
	if sent.Header.Get(HeaderVisitorID) != "visitor-1" {
		t.Errorf("Expected visitor header, got %q", sent.Header.Get(HeaderVisitorID))
	}
	// setRequestCookies off: decision cookies not appended, inbound cookies
	// still forwarded via the clone
	cookie := sent.Header.Get("Cookie")
	if strings.Contains(cookie, CookieVisitorID) {
		t.Errorf("Expected no visitor cookie with setRequestCookies off, got %q", cookie)
	}
	if !strings.Contains(cookie, "existing=1") {
		t.Errorf("Expected existing cookies preserved, got %q", cookie)
	}
}

func TestFetchURL_GETNeverCarriesBody(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "ok"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	r := httptest.NewRequest("GET", "https://example.com/page", strings.NewReader("should not forward"))
	_, err := o.Passthrough(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.requests[0].Body != nil {
		t.Error("Expected GET subrequest without body")
	}
}

func TestFetchURL_POSTCarriesBody(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "ok"), nil
	})
	o := NewOrchestrator(adapter, time.Minute, nil)

	r := httptest.NewRequest("POST", "https://example.com/submit", strings.NewReader("payload"))
	_, err := o.Passthrough(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := adapter.requests[0]
	if sent.Body == nil {
		t.Fatal("Expected POST subrequest to carry body")
	}
	blob, _ := io.ReadAll(sent.Body)
	if string(blob) != "payload" {
		t.Errorf("Unexpected forwarded body: %q", blob)
	}
}

func TestExecute_CacheWriteHookFires(t *testing.T) {
	adapter := newFakeAdapter(func(req *http.Request) (*http.Response, error) {
		return textResponse(200, "ok"), nil
	})
	hooks := NewHooks()
	var fired []HookPoint
	hooks.Register(HookBeforeCacheRead, func(ctx context.Context, cfg *RequestConfig) HookResult {
		fired = append(fired, HookBeforeCacheRead)
		return nil
	})
	hooks.Register(HookAfterCacheWrite, func(ctx context.Context, cfg *RequestConfig) HookResult {
		fired = append(fired, HookAfterCacheWrite)
		return nil
	})
	o := NewOrchestrator(adapter, time.Minute, hooks)

	settings := &decision.CDNVariationSettings{
		CDNResponseURL:       "https://origin.example.com/v",
		CacheRequestToOrigin: true,
	}
	r := httptest.NewRequest("GET", "https://example.com/page", nil)
	if _, err := o.Execute(context.Background(), r, matchFor(settings), &RequestConfig{}, Forward{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fired) != 2 || fired[0] != HookBeforeCacheRead || fired[1] != HookAfterCacheWrite {
		t.Errorf("Unexpected hook sequence: %v", fired)
	}
}
