// Package edge implements the request-processing pipeline: request
// configuration, lifecycle hooks, the cache orchestrator and the top-level
// handler that ties identity, decisions and fetch/cache/serve together.
package edge

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/optimizely/optimizely-edge-agent/internal/decision"
)

// Well-known headers and cookies of the edge pipeline.
const (
	HeaderSDKKey       = "X-Optimizely-Sdk-Key"
	HeaderEnableAgent  = "X-Optimizely-Enable-Agent"
	HeaderWorkerOp     = "X-Optimizely-Worker-Operation"
	HeaderVisitorID    = "X-Optimizely-Visitor-Id"
	HeaderDecisions    = "X-Optimizely-Decisions"
	HeaderMetadata     = "X-Optimizely-Response-Metadata"
	HeaderAgentVersion = "X-Optimizely-Agent"

	CookieVisitorID = "optly_edge_visitor_id"
	CookieDecisions = "optly_edge_decisions"
)

// optionHeaderPrefix prefixes per-option request headers, e.g.
// X-Optly-Option-VisitorId. Headers win over query parameters, which win
// over the POST JSON body.
const optionHeaderPrefix = "X-Optly-Option-"

// Metadata accumulates diagnostic data during processing for optional
// inclusion in the response. It is the only part of a RequestConfig mutated
// after construction.
type Metadata struct {
	Platform         string `json:"platform,omitempty"`
	ClientIP         string `json:"clientIp,omitempty"`
	VisitorIDSource  string `json:"visitorIdSource,omitempty"`
	DatafileOrigin   string `json:"datafileOrigin,omitempty"`
	DatafileRevision string `json:"datafileRevision,omitempty"`

	StoredDecisions  int `json:"storedDecisions"`
	ValidDecisions   int `json:"validDecisions"`
	InvalidDecisions int `json:"invalidDecisions"`
	ForcedDecisions  int `json:"forcedDecisions"`
	FreshDecisions   int `json:"freshDecisions"`

	CacheStatus string `json:"cacheStatus,omitempty"` // hit, miss, stale, bypass
}

// RequestConfig is the per-request configuration resolved from headers,
// query parameters and (for POST) the JSON body, in that priority order.
// Once constructed it is read-mostly; only Metadata mutates.
type RequestConfig struct {
	SDKKey                   string
	VisitorID                string
	OverrideVisitorID        bool
	OverrideCache            bool
	Attributes               map[string]any
	EventTags                map[string]any
	DatafileAccessToken      string
	EnableOptimizelyHeader   bool
	DecideOptions            []string
	TrimmedDecisions         bool
	EnableFlagsFromKV        bool
	EventKey                 string
	DatafileFromKV           bool
	EnableRespMetadataHeader bool
	SetResponseCookies       bool
	SetResponseHeaders       bool
	SetRequestHeaders        bool
	SetRequestCookies        bool
	ServerMode               string
	FlagKeys                 []string
	EnableResponseMetadata   bool
	DecideAll                bool
	DisableDecisionEvent     bool
	EnabledFlagsOnly         bool
	IncludeReasons           bool
	IgnoreUserProfileService bool
	ExcludeVariables         bool
	ForcedDecisions          []decision.Decision

	// Custom holds unrecognized option keys for extensibility hooks.
	Custom map[string]string

	Metadata Metadata
}

// bodyLimit bounds the POST body read during option resolution.
const bodyLimit = 1 << 20

// ResolveRequestConfig builds the RequestConfig for a request. A malformed
// JSON body degrades to "no payload"; it never fails the request.
func ResolveRequestConfig(r *http.Request) *RequestConfig {
	src := newOptionSource(r)

	cfg := &RequestConfig{
		SDKKey:                   src.str("sdkKey"),
		VisitorID:                src.str("visitorId"),
		OverrideVisitorID:        src.flag("overrideVisitorId"),
		OverrideCache:            src.flag("overrideCache"),
		Attributes:               src.object("attributes"),
		EventTags:                src.object("eventTags"),
		DatafileAccessToken:      src.str("datafileAccessToken"),
		EnableOptimizelyHeader:   src.flag("enableOptimizelyHeader"),
		DecideOptions:            src.list("decideOptions"),
		TrimmedDecisions:         src.flag("trimmedDecisions"),
		EnableFlagsFromKV:        src.flag("enableFlagsFromKV"),
		EventKey:                 src.str("eventKey"),
		DatafileFromKV:           src.flag("datafileFromKV"),
		EnableRespMetadataHeader: src.flag("enableRespMetadataHeader"),
		SetResponseCookies:       src.flagDefault("setResponseCookies", true),
		SetResponseHeaders:       src.flagDefault("setResponseHeaders", true),
		SetRequestHeaders:        src.flagDefault("setRequestHeaders", true),
		SetRequestCookies:        src.flagDefault("setRequestCookies", true),
		ServerMode:               src.str("serverMode"),
		FlagKeys:                 src.list("flagKeys"),
		EnableResponseMetadata:   src.flag("enableResponseMetadata"),
		DecideAll:                src.flag("decideAll"),
		DisableDecisionEvent:     src.flag("disableDecisionEvent"),
		EnabledFlagsOnly:         src.flag("enabledFlagsOnly"),
		IncludeReasons:           src.flag("includeReasons"),
		IgnoreUserProfileService: src.flag("ignoreUserProfileService"),
		ExcludeVariables:         src.flag("excludeVariables"),
		ForcedDecisions:          src.forcedDecisions(),
		Custom:                   src.custom(),
	}

	// The dedicated SDK key header wins over the option sources.
	if v := r.Header.Get(HeaderSDKKey); v != "" {
		cfg.SDKKey = v
	}

	// decideOptions carries the SDK option names; each maps onto its
	// dedicated request option.
	for _, opt := range cfg.DecideOptions {
		switch opt {
		case "DISABLE_DECISION_EVENT":
			cfg.DisableDecisionEvent = true
		case "ENABLED_FLAGS_ONLY":
			cfg.EnabledFlagsOnly = true
		case "INCLUDE_REASONS":
			cfg.IncludeReasons = true
		case "EXCLUDE_VARIABLES":
			cfg.ExcludeVariables = true
		case "IGNORE_USER_PROFILE_SERVICE":
			cfg.IgnoreUserProfileService = true
		}
	}
	return cfg
}

// optionSource resolves option keys across the three sources with the
// documented priority.
type optionSource struct {
	r    *http.Request
	body map[string]any
}

func newOptionSource(r *http.Request) *optionSource {
	src := &optionSource{r: r}
	if r.Method == http.MethodPost && r.Body != nil {
		blob, err := io.ReadAll(io.LimitReader(r.Body, bodyLimit))
		if err == nil && len(blob) > 0 {
			var body map[string]any
			if json.Unmarshal(blob, &body) == nil {
				src.body = body
			}
		}
	}
	return src
}

// raw returns the option value and whether it was present anywhere.
func (s *optionSource) raw(key string) (any, bool) {
	if v := s.r.Header.Get(optionHeaderPrefix + key); v != "" {
		return v, true
	}
	if s.r.URL.Query().Has(key) {
		vs := s.r.URL.Query()[key]
		if len(vs) > 1 {
			return vs, true
		}
		return vs[0], true
	}
	if s.body != nil {
		if v, ok := s.body[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *optionSource) str(key string) string {
	v, ok := s.raw(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	return ""
}

func (s *optionSource) flag(key string) bool {
	return s.flagDefault(key, false)
}

func (s *optionSource) flagDefault(key string, def bool) bool {
	v, ok := s.raw(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		parsed, err := strconv.ParseBool(t)
		if err != nil {
			return def
		}
		return parsed
	}
	return def
}

// list resolves multi-valued options: repeated query params, comma-separated
// header/query values, or a JSON array in the body.
func (s *optionSource) list(key string) []string {
	v, ok := s.raw(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return splitAll(t)
	case string:
		return splitAll([]string{t})
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func splitAll(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// object resolves a JSON-object option (inline JSON in header/query, or a
// nested object in the body).
func (s *optionSource) object(key string) map[string]any {
	v, ok := s.raw(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var out map[string]any
		if json.Unmarshal([]byte(t), &out) == nil {
			return out
		}
	}
	return nil
}

// forcedDecisions resolves the forcedDecisions option: an object keyed by
// flag key whose values name the forced variation (string) or carry
// {variationKey, ruleKey}.
func (s *optionSource) forcedDecisions() []decision.Decision {
	obj := s.object("forcedDecisions")
	if len(obj) == 0 {
		return nil
	}
	out := make([]decision.Decision, 0, len(obj))
	for flagKey, v := range obj {
		d := decision.Decision{FlagKey: flagKey, Enabled: true, RuleKey: "forced"}
		switch t := v.(type) {
		case string:
			d.VariationKey = t
		case map[string]any:
			if vk, ok := t["variationKey"].(string); ok {
				d.VariationKey = vk
			}
			if rk, ok := t["ruleKey"].(string); ok && rk != "" {
				d.RuleKey = rk
			}
		default:
			continue
		}
		if d.VariationKey == "" {
			continue
		}
		d.Reasons = []string{"forced decision from request config"}
		out = append(out, d)
	}
	return out
}

// custom collects unrecognized query keys for the extensibility hooks.
func (s *optionSource) custom() map[string]string {
	known := map[string]bool{
		"sdkKey": true, "overrideCache": true, "overrideVisitorId": true,
		"attributes": true, "eventTags": true, "datafileAccessToken": true,
		"enableOptimizelyHeader": true, "decideOptions": true, "visitorId": true,
		"trimmedDecisions": true, "enableFlagsFromKV": true, "eventKey": true,
		"datafileFromKV": true, "enableRespMetadataHeader": true,
		"setResponseCookies": true, "setResponseHeaders": true,
		"setRequestHeaders": true, "setRequestCookies": true, "serverMode": true,
		"flagKeys": true, "enableResponseMetadata": true, "decideAll": true,
		"disableDecisionEvent": true, "enabledFlagsOnly": true,
		"includeReasons": true, "ignoreUserProfileService": true,
		"excludeVariables": true, "forcedDecisions": true,
	}
	var out map[string]string
	for key, values := range s.r.URL.Query() {
		if known[key] || len(values) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = values[0]
	}
	return out
}
