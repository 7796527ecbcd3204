// Package api exposes the fixed /v1 routes of the edge agent (datafile,
// config, KV-backed flag keys, SDK and management-API proxies) and mounts
// the edge pipeline for everything else.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/optimizely/optimizely-edge-agent/internal/datafile"
	"github.com/optimizely/optimizely-edge-agent/internal/edge"
	"github.com/optimizely/optimizely-edge-agent/internal/engine"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
	"github.com/optimizely/optimizely-edge-agent/internal/telemetry"
)

// proxyBodyLimit bounds proxied response bodies.
const proxyBodyLimit = 4 << 20

// Server wires the fixed routes and the pipeline handler.
type Server struct {
	adapter          platform.Adapter
	datafiles        *datafile.Manager
	engines          *engine.Cache
	pipeline         *edge.Handler
	defaultSDKKey    string
	managementAPIURL string
	rateLimitPerIP   int
}

// NewServer creates the API server.
func NewServer(adapter platform.Adapter, datafiles *datafile.Manager, engines *engine.Cache, pipeline *edge.Handler, defaultSDKKey, managementAPIURL string, rateLimitPerIP int) *Server {
	return &Server{
		adapter:          adapter,
		datafiles:        datafiles,
		engines:          engines,
		pipeline:         pipeline,
		defaultSDKKey:    defaultSDKKey,
		managementAPIURL: managementAPIURL,
		rateLimitPerIP:   rateLimitPerIP,
	}
}

// Router builds the chi mux. Meta-routes are matched before the pipeline so
// datafile/config requests bypass variation logic entirely.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/v1/datafile", s.handleDatafile)
	r.Get("/v1/config", s.handleConfig)

	r.Route("/v1/api", func(r chi.Router) {
		if s.rateLimitPerIP > 0 {
			r.Use(httprate.LimitByIP(s.rateLimitPerIP, time.Minute))
		}
		r.Get("/datafiles/{key}", s.handleDatafileByKey)
		r.Post("/datafiles/{key}", s.handlePostDatafile)
		r.Get("/flag_keys", s.handleGetFlagKeys)
		r.Post("/flag_keys", s.handlePostFlagKeys)
		r.Get("/sdk/{sdk_url}", s.handleSDKProxy)
		r.Get("/variation_changes/{experiment_id}/{api_token}", s.handleVariationChanges)
	})

	// Everything else is the edge pipeline.
	r.Handle("/*", s.pipeline)
	return r
}

// resolveSDKKey picks the request's SDK key: dedicated header, query
// parameter, then the server default.
func (s *Server) resolveSDKKey(r *http.Request) string {
	if v := r.Header.Get(edge.HeaderSDKKey); v != "" {
		return v
	}
	if v := r.URL.Query().Get("sdkKey"); v != "" {
		return v
	}
	return s.defaultSDKKey
}

// handleDatafile serves the raw datafile for the resolved SDK key.
func (s *Server) handleDatafile(w http.ResponseWriter, r *http.Request) {
	sdkKey := s.resolveSDKKey(r)
	if sdkKey == "" {
		ConfigError(w, r, "datafile", "no SDK key supplied and no server default configured")
		return
	}
	preferKV := r.URL.Query().Get("datafileFromKV") == "true"
	blob, _, err := s.datafiles.Get(r.Context(), sdkKey, r.URL.Query().Get("datafileAccessToken"), preferKV)
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// configResponse is the resolved configuration view served by /v1/config.
type configResponse struct {
	SDKKey      string   `json:"sdkKey"`
	Platform    string   `json:"platform"`
	Revision    string   `json:"revision"`
	FlagKeys    []string `json:"flagKeys"`
	GeneratedAt string   `json:"generatedAt"`
}

// handleConfig serves the resolved flagging configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	sdkKey := s.resolveSDKKey(r)
	if sdkKey == "" {
		ConfigError(w, r, "config", "no SDK key supplied and no server default configured")
		return
	}
	blob, _, err := s.datafiles.Get(r.Context(), sdkKey, "", false)
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}
	eng, err := s.engines.Get(sdkKey, blob)
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		SDKKey:      sdkKey,
		Platform:    s.adapter.Name(),
		Revision:    eng.Revision(),
		FlagKeys:    eng.ActiveFlags(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDatafileByKey serves the KV-mirrored datafile for an explicit key,
// falling back to the CDN.
func (s *Server) handleDatafileByKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		BadRequestError(w, r, "datafile key is required")
		return
	}
	blob, _, err := s.datafiles.Get(r.Context(), key, "", true)
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// handlePostDatafile stores a datafile into KV for an explicit key. The body
// must parse as a datafile; malformed payloads are rejected before the write.
func (s *Server) handlePostDatafile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		BadRequestError(w, r, "datafile key is required")
		return
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, proxyBodyLimit))
	if err != nil {
		BadRequestError(w, r, "failed to read body")
		return
	}
	df, err := engine.Parse(blob)
	if err != nil {
		BadRequestError(w, r, err.Error())
		return
	}
	if err := s.adapter.KV().Put(r.Context(), datafile.KVKey(key), blob); err != nil {
		InternalError(w, r, "kv write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": df.Revision})
}

// handleGetFlagKeys serves the webhook-populated flag key list from KV.
func (s *Server) handleGetFlagKeys(w http.ResponseWriter, r *http.Request) {
	blob, err := s.adapter.KV().Get(r.Context(), datafile.FlagKeysKVKey)
	if err != nil {
		NotFoundError(w, r, "no flag keys stored")
		return
	}
	var keys []string
	if err := json.Unmarshal(blob, &keys); err != nil {
		InternalError(w, r, "stored flag keys are malformed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flagKeys": keys})
}

// handlePostFlagKeys stores the flag key list into KV (webhook-driven
// population).
func (s *Server) handlePostFlagKeys(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FlagKeys []string `json:"flagKeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		BadRequestError(w, r, "invalid JSON")
		return
	}
	if len(payload.FlagKeys) == 0 {
		BadRequestError(w, r, "flagKeys is required")
		return
	}
	blob, err := json.Marshal(payload.FlagKeys)
	if err != nil {
		InternalError(w, r, "failed to encode flag keys")
		return
	}
	if err := s.adapter.KV().Put(r.Context(), datafile.FlagKeysKVKey, blob); err != nil {
		InternalError(w, r, "kv write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(payload.FlagKeys)})
}

// handleSDKProxy decodes the URL-encoded target and proxies the fetch. The
// response Content-Type is echoed, defaulting to text/javascript, and CORS
// is always open: this route exists to serve SDK bundles to browsers.
func (s *Server) handleSDKProxy(w http.ResponseWriter, r *http.Request) {
	encoded := chi.URLParam(r, "sdk_url")
	target, err := url.QueryUnescape(encoded)
	if err != nil || target == "" {
		BadRequestError(w, r, "sdk_url must be a URL-encoded absolute URL")
		return
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		BadRequestError(w, r, "sdk_url must be a URL-encoded absolute URL")
		return
	}
	s.proxy(w, r, target, "")
}

// handleVariationChanges proxies a bearer-authenticated read against the
// experimentation management API.
func (s *Server) handleVariationChanges(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "experiment_id")
	apiToken := chi.URLParam(r, "api_token")
	if experimentID == "" || apiToken == "" {
		BadRequestError(w, r, "experiment_id and api_token are required")
		return
	}
	target := s.managementAPIURL + "/experiments/" + experimentID
	s.proxy(w, r, target, apiToken)
}

// proxy performs the outbound fetch for the proxy routes and relays the
// response. Content-Type defaults to text/javascript and
// Access-Control-Allow-Origin is always *.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, target, bearer string) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		BadRequestError(w, r, err.Error())
		return
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.adapter.Fetch(req)
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, proxyBodyLimit))
	if err != nil {
		UpstreamError(w, r, err.Error())
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/javascript"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(blob)
}
