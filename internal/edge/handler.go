package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/optimizely/optimizely-edge-agent/internal/datafile"
	"github.com/optimizely/optimizely-edge-agent/internal/decision"
	"github.com/optimizely/optimizely-edge-agent/internal/engine"
	"github.com/optimizely/optimizely-edge-agent/internal/events"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
	"github.com/optimizely/optimizely-edge-agent/internal/telemetry"
)

// HandlerOptions configures the pipeline handler.
type HandlerOptions struct {
	// DefaultSDKKey is used when the request supplies no SDK key.
	DefaultSDKKey string
	// StrictURLMatch compares full URLs (including query) when matching
	// experiment URLs.
	StrictURLMatch bool
	// DefaultCacheTTL applies when matched settings carry no cacheTTL.
	DefaultCacheTTL time.Duration
	// CookieExpiry is the lifetime of the visitor and decision cookies.
	CookieExpiry time.Duration
	// EventsEndpoint receives the consolidated analytics payload.
	EventsEndpoint string
	// EventFlushThreshold flushes queued events mid-request once the queue
	// holds this many. 0 flushes at end of request only.
	EventFlushThreshold int
}

// Handler is the top-level request pipeline: identity, stored-decision
// reconciliation, evaluation, URL matching, cache-aware fetch, events and
// the final header/cookie augmentation.
type Handler struct {
	opts         HandlerOptions
	adapter      platform.Adapter
	datafiles    *datafile.Manager
	engines      *engine.Cache
	orchestrator *Orchestrator
	hooks        *Hooks
}

// NewHandler wires the pipeline over the platform adapter.
func NewHandler(adapter platform.Adapter, datafiles *datafile.Manager, engines *engine.Cache, hooks *Hooks, opts HandlerOptions) *Handler {
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Handler{
		opts:         opts,
		adapter:      adapter,
		datafiles:    datafiles,
		engines:      engines,
		orchestrator: NewOrchestrator(adapter, opts.DefaultCacheTTL, hooks),
		hooks:        hooks,
	}
}

// Hooks exposes the lifecycle hook registry for extensions.
func (h *Handler) Hooks() *Hooks { return h.hooks }

// ServeHTTP runs the pipeline. All recoverable absence-of-data conditions
// degrade (missing cookies, malformed stored state); only configuration
// errors and upstream failures produce the uniform 500 JSON body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Loopback subrequests and explicitly disabled requests bypass the
	// pipeline entirely.
	if r.Header.Get(HeaderWorkerOp) != "" || r.Header.Get(HeaderEnableAgent) == "false" {
		h.passthrough(ctx, w, r)
		return
	}

	cfg := ResolveRequestConfig(r)
	cfg.Metadata.Platform = h.adapter.Name()
	cfg.Metadata.ClientIP = h.adapter.ClientIP(r)
	h.hooks.Trigger(ctx, HookBeforeRequest, cfg)

	sdkKey := cfg.SDKKey
	if sdkKey == "" {
		sdkKey = h.opts.DefaultSDKKey
	}
	if sdkKey == "" {
		h.writeError(w, http.StatusInternalServerError, "config",
			"no SDK key: set the request header, option, or server default")
		return
	}

	visitorID, source := h.resolveVisitorID(r, cfg)
	cfg.Metadata.VisitorIDSource = source

	eng, err := h.engineFor(ctx, sdkKey, cfg)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "datafile", err.Error())
		return
	}
	cfg.Metadata.DatafileRevision = eng.Revision()

	stored := h.storedDecisions(r)
	cfg.Metadata.StoredDecisions = len(stored)

	activeFlags := h.activeFlags(ctx, cfg, eng)

	reconciled := decision.Reconcile(stored, activeFlags, cfg.ForcedDecisions)
	cfg.Metadata.ValidDecisions = len(reconciled.Valid)
	cfg.Metadata.InvalidDecisions = len(reconciled.Invalid)
	cfg.Metadata.ForcedDecisions = len(reconciled.Forced)

	fresh, err := eng.DecideFlags(ctx, visitorID, reconciled.ToDecide, cfg.Attributes)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "engine", err.Error())
		return
	}
	cfg.Metadata.FreshDecisions = len(fresh)
	telemetry.DecisionsServed.WithLabelValues("stored").Add(float64(len(reconciled.Valid)))
	telemetry.DecisionsServed.WithLabelValues("forced").Add(float64(len(reconciled.Forced)))
	telemetry.DecisionsServed.WithLabelValues("fresh").Add(float64(len(fresh)))

	// Cookie-restored decisions are lossy; rehydrate their variables from
	// the current datafile before URL matching.
	reconciled.Valid = hydrateAll(eng, reconciled.Valid)
	merged := reconciled.Merged(fresh)
	h.hooks.Trigger(ctx, HookAfterDecisions, cfg)

	batcher := events.NewBatcher(h.opts.EventsEndpoint, h.adapter)
	batcher.FlushThreshold = h.opts.EventFlushThreshold
	if !cfg.DisableDecisionEvent {
		h.recordExposures(batcher, visitorID, cfg, fresh)
	}

	serialized, _ := decision.Serialize(storableDecisions(merged, cfg.TrimmedDecisions))

	// Server mode and POST requests return the decision set directly;
	// nothing is fetched or cached.
	if cfg.ServerMode != "" || r.Method == http.MethodPost {
		h.flushDeferred(batcher)
		h.writeDecisions(w, cfg, visitorID, serialized, merged)
		return
	}

	requestURL := absoluteURL(r)
	match := decision.FindMatchingConfig(requestURL, merged, h.opts.StrictURLMatch)

	var result *FetchResult
	if match == nil {
		result, err = h.orchestrator.Passthrough(ctx, r)
	} else {
		fwd := Forward{VisitorID: visitorID, SerializedDecisions: serialized}
		result, err = h.orchestrator.Execute(ctx, r, match, cfg, fwd)
	}
	if err != nil {
		log.Printf("[edge] fetch failed: url=%s error=%v", requestURL, err)
		h.flushDeferred(batcher)
		h.writeError(w, http.StatusInternalServerError, "fetch", err.Error())
		return
	}
	cfg.Metadata.CacheStatus = result.CacheStatus
	telemetry.CacheLookups.WithLabelValues(result.CacheStatus).Inc()

	h.flushDeferred(batcher)

	// Header/cookie augmentation is the very last step, after cache
	// read/write, so cached entries never bake in per-request cookies.
	h.respond(ctx, w, r, cfg, visitorID, serialized, result)
}

// passthrough forwards the request untouched. Used for loopback and
// disabled requests; the response is returned verbatim.
func (h *Handler) passthrough(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	result, err := h.orchestrator.Passthrough(ctx, r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "fetch", err.Error())
		return
	}
	writeResult(w, result)
}

// writeResult relays a fetch result verbatim, headers included.
func writeResult(w http.ResponseWriter, result *FetchResult) {
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// resolveVisitorID resolves the visitor identity: explicit option, cookie
// (unless overridden), visitor-id header, then a generated UUID.
func (h *Handler) resolveVisitorID(r *http.Request, cfg *RequestConfig) (string, string) {
	if cfg.VisitorID != "" {
		return cfg.VisitorID, "config"
	}
	if !cfg.OverrideVisitorID {
		if c, err := r.Cookie(CookieVisitorID); err == nil && c.Value != "" {
			return c.Value, "cookie"
		}
	}
	if v := r.Header.Get(HeaderVisitorID); v != "" {
		return v, "header"
	}
	return uuid.NewString(), "generated"
}

// engineFor resolves the datafile and returns the cached engine for it,
// honoring the per-request profile-service and KV-datafile options.
func (h *Handler) engineFor(ctx context.Context, sdkKey string, cfg *RequestConfig) (*engine.Engine, error) {
	preferKV := cfg.DatafileFromKV || cfg.EnableFlagsFromKV
	blob, origin, err := h.datafiles.Get(ctx, sdkKey, cfg.DatafileAccessToken, preferKV)
	if err != nil {
		return nil, err
	}
	cfg.Metadata.DatafileOrigin = origin

	eng, err := h.engines.Get(sdkKey, blob)
	if err != nil {
		return nil, err
	}
	if cfg.IgnoreUserProfileService {
		eng = eng.WithoutProfiles()
	}
	return eng, nil
}

// storedDecisions reads previously stored decisions from the decision
// cookie or header. Malformed state degrades to an empty list.
func (h *Handler) storedDecisions(r *http.Request) []decision.Decision {
	if c, err := r.Cookie(CookieDecisions); err == nil && c.Value != "" {
		return decision.Deserialize(c.Value)
	}
	if v := r.Header.Get(HeaderDecisions); v != "" {
		return decision.Deserialize(v)
	}
	return []decision.Decision{}
}

// activeFlags resolves the flag set for this request: explicit flagKeys,
// the webhook-populated KV list, or every flag in the datafile.
func (h *Handler) activeFlags(ctx context.Context, cfg *RequestConfig, eng *engine.Engine) []string {
	if len(cfg.FlagKeys) > 0 && !cfg.DecideAll {
		return cfg.FlagKeys
	}
	if cfg.EnableFlagsFromKV {
		if blob, err := h.adapter.KV().Get(ctx, datafile.FlagKeysKVKey); err == nil {
			var keys []string
			if json.Unmarshal(blob, &keys) == nil && len(keys) > 0 {
				return keys
			}
		}
	}
	return eng.ActiveFlags()
}

// recordExposures queues one exposure per fresh decision. Events for the
// same request share their shape and consolidate into one payload; when the
// flush threshold fills the queue drains through the deferred-work hook.
func (h *Handler) recordExposures(batcher *events.Batcher, visitorID string, cfg *RequestConfig, fresh []decision.Decision) {
	eventKey := cfg.EventKey
	if eventKey == "" {
		eventKey = "campaign_activated"
	}
	for _, d := range fresh {
		if !d.Enabled {
			continue
		}
		visitor := map[string]any{
			"visitor_id": visitorID,
			"attributes": cfg.Attributes,
			"snapshots": []map[string]any{{
				"decisions": []map[string]any{{
					"flag_key":      d.FlagKey,
					"rule_key":      d.RuleKey,
					"variation_key": d.VariationKey,
				}},
				"events": []map[string]any{{
					"key":       eventKey,
					"tags":      cfg.EventTags,
					"timestamp": time.Now().UnixMilli(),
				}},
			}},
		}
		blob, err := json.Marshal(visitor)
		if err != nil {
			continue
		}
		full := batcher.Enqueue(events.Event{
			ClientName:      "optimizely-edge-agent",
			EnrichDecisions: true,
			Visitors:        []events.Visitor{blob},
		})
		if full {
			h.flushDeferred(batcher)
		}
	}
}

// flushDeferred registers the event flush with the platform's deferred-work
// hook. The primary response never waits for it on platforms with real
// background support; failures are logged inside Flush and never propagate.
func (h *Handler) flushDeferred(batcher *events.Batcher) {
	if batcher.Len() == 0 {
		return
	}
	h.adapter.WaitUntil(func(taskCtx context.Context) {
		_ = batcher.Flush(taskCtx)
	})
}

// storableDecisions filters the decision set for cookie storage. Invalid
// decisions were already dropped during reconciliation; trimmed mode also
// drops disabled decisions to keep the cookie small.
func storableDecisions(merged []decision.Decision, trimmed bool) []decision.Decision {
	if !trimmed {
		return merged
	}
	out := make([]decision.Decision, 0, len(merged))
	for _, d := range merged {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// respond applies the accumulated cookies and headers and writes the fetch
// result.
func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg *RequestConfig, visitorID, serialized string, result *FetchResult) {
	header := result.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	if cfg.SetResponseCookies {
		header = platform.AppendCookie(header, h.cookie(CookieVisitorID, visitorID))
		if serialized != "" {
			header = platform.AppendCookie(header, h.cookie(CookieDecisions, serialized))
		}
	}
	if cfg.SetResponseHeaders {
		header = platform.CloneHeader(header, HeaderVisitorID, visitorID)
		if serialized != "" {
			header = platform.CloneHeader(header, HeaderDecisions, serialized)
		}
	}
	if cfg.EnableOptimizelyHeader {
		header = platform.CloneHeader(header, HeaderAgentVersion, "edge-agent/"+Version)
	}
	if cfg.EnableResponseMetadata || cfg.EnableRespMetadataHeader {
		if blob, err := json.Marshal(cfg.Metadata); err == nil {
			header = platform.CloneHeader(header, HeaderMetadata, string(blob))
		}
	}

	for key, value := range h.hooks.Trigger(ctx, HookBeforeResponse, cfg) {
		if name, ok := customHeaderKey(key); ok {
			header = platform.CloneHeader(header, name, fmt.Sprint(value))
		}
	}

	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)

	h.adapter.WaitUntil(func(taskCtx context.Context) {
		h.hooks.Trigger(taskCtx, HookAfterResponse, cfg)
	})
}

// writeDecisions renders the decision set as JSON (server mode and POST).
func (h *Handler) writeDecisions(w http.ResponseWriter, cfg *RequestConfig, visitorID, serialized string, merged []decision.Decision) {
	out := make([]decision.Decision, 0, len(merged))
	for _, d := range merged {
		if cfg.EnabledFlagsOnly && !d.Enabled {
			continue
		}
		if cfg.ExcludeVariables {
			d.Variables = nil
		}
		if !cfg.IncludeReasons {
			d.Reasons = nil
		}
		out = append(out, d)
	}

	if cfg.SetResponseCookies {
		http.SetCookie(w, h.cookie(CookieVisitorID, visitorID))
		if serialized != "" {
			http.SetCookie(w, h.cookie(CookieDecisions, serialized))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"visitorId": visitorID,
		"decisions": out,
	})
}

// cookie builds a cookie with the pipeline defaults: path=/, long expiry,
// Secure, HttpOnly, SameSite=None.
func (h *Handler) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(h.opts.CookieExpiry),
		MaxAge:   int(h.opts.CookieExpiry / time.Second),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	}
}

// writeError emits the uniform 500-class JSON error body naming the failing
// module; platform-native stack traces never leak to the client.
func (h *Handler) writeError(w http.ResponseWriter, status int, module, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(status),
		"module":  module,
		"message": message,
	})
}

// hydrateAll re-attaches variables to cookie-restored decisions.
func hydrateAll(eng *engine.Engine, decisions []decision.Decision) []decision.Decision {
	out := make([]decision.Decision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, eng.Hydrate(d))
	}
	return out
}

// customHeaderKey extracts the header name from a "header:" hook result key.
func customHeaderKey(key string) (string, bool) {
	const prefix = "header:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}

// absoluteURL reconstructs the full request URL for experiment matching.
func absoluteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Version is the agent version reported in the Optimizely header.
const Version = "1.0.0"
