// Package decision defines the decision model shared by the edge pipeline:
// the per-flag Decision, the CDN variation settings carried in decision
// variables, the compact cookie/header codec, the stored-decision
// reconciler and the experiment-URL matcher.
package decision

import (
	"encoding/json"
	"strings"
)

// VariationKeySentinel in CDNVariationSettings.CacheKey means "derive the
// cache key from flagKey and variationKey" instead of using a literal key.
const VariationKeySentinel = "VARIATION_KEY"

// variablesKey is the variable name carrying the per-variation CDN settings.
const variablesKey = "cdnVariationSettings"

// Decision is the result of evaluating one flag for one visitor.
// FlagKey is unique within a decision set for one request. A decision with
// Enabled=false has no meaningful VariationKey for serving purposes but may
// still be stored to avoid re-evaluation.
type Decision struct {
	FlagKey      string         `json:"flagKey"`
	VariationKey string         `json:"variationKey,omitempty"`
	RuleKey      string         `json:"ruleKey,omitempty"`
	Enabled      bool           `json:"enabled"`
	Variables    map[string]any `json:"variables,omitempty"`
	Reasons      []string       `json:"reasons,omitempty"`
}

// IsRolloutRule reports whether the decision was granted by a rollout rule,
// distinguished by naming convention on the rule key.
func (d Decision) IsRolloutRule() bool {
	rule := strings.ToLower(d.RuleKey)
	return strings.HasPrefix(rule, "rollout-") || strings.HasSuffix(rule, "-rollout") ||
		strings.Contains(rule, "rollout_")
}

// CDNVariationSettings is the per-variation edge behavior directive carried
// inside a decision's variables. Immutable once read from the datafile for
// the lifetime of one request.
type CDNVariationSettings struct {
	CDNExperimentURL       string `json:"cdnExperimentURL,omitempty"`
	CDNResponseURL         string `json:"cdnResponseURL,omitempty"`
	CacheKey               string `json:"cacheKey,omitempty"`
	ForwardRequestToOrigin bool   `json:"forwardRequestToOrigin,omitempty"`
	CacheRequestToOrigin   bool   `json:"cacheRequestToOrigin,omitempty"`
	CacheTTL               int    `json:"cacheTTL,omitempty"`
	IsControlVariation     bool   `json:"isControlVariation,omitempty"`
}

// Valid reports whether the settings object is actionable. CDNResponseURL is
// required; absent or malformed settings cause the request to fall through
// to a direct, uncached origin fetch.
func (s *CDNVariationSettings) Valid() bool {
	return s != nil && s.CDNResponseURL != ""
}

// Settings extracts the CDN variation settings from the decision variables.
// Returns nil when the variable is absent or malformed; callers treat nil as
// "plain passthrough", never as an error.
func (d Decision) Settings() *CDNVariationSettings {
	raw, ok := d.Variables[variablesKey]
	if !ok || raw == nil {
		return nil
	}

	// The datafile surfaces variables either as a decoded object or as a
	// JSON string, depending on how the variable was authored.
	var blob []byte
	switch v := raw.(type) {
	case string:
		blob = []byte(v)
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		blob = b
	default:
		return nil
	}

	var s CDNVariationSettings
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil
	}
	return &s
}
