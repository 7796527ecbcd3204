package decision

import (
	"testing"
)

func TestSettings_FromObject(t *testing.T) {
	d := Decision{
		FlagKey: "flag_1",
		Variables: map[string]any{
			"cdnVariationSettings": map[string]any{
				"cdnExperimentURL":       "https://example.com/page",
				"cdnResponseURL":         "https://origin.example.com/v",
				"cacheKey":               "VARIATION_KEY",
				"forwardRequestToOrigin": true,
				"cacheTTL":               600,
			},
		},
	}
	s := d.Settings()
	if s == nil {
		t.Fatal("Expected settings")
	}
	if !s.Valid() {
		t.Error("Expected settings to be valid")
	}
	if s.CacheKey != VariationKeySentinel {
		t.Errorf("Expected sentinel cache key, got %q", s.CacheKey)
	}
	if !s.ForwardRequestToOrigin {
		t.Error("Expected forwardRequestToOrigin=true")
	}
	if s.CacheTTL != 600 {
		t.Errorf("Expected cacheTTL=600, got %d", s.CacheTTL)
	}
}

func TestSettings_FromJSONString(t *testing.T) {
	// Datafiles may surface the variable as an encoded JSON string
	d := Decision{
		FlagKey: "flag_1",
		Variables: map[string]any{
			"cdnVariationSettings": `{"cdnExperimentURL":"https://example.com/p","cdnResponseURL":"https://origin.example.com/v"}`,
		},
	}
	s := d.Settings()
	if s == nil {
		t.Fatal("Expected settings from JSON string variable")
	}
	if s.CDNResponseURL != "https://origin.example.com/v" {
		t.Errorf("Unexpected response URL: %q", s.CDNResponseURL)
	}
}

func TestSettings_AbsentOrMalformed(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
	}{
		{"no variables", Decision{FlagKey: "f"}},
		{"variable absent", Decision{FlagKey: "f", Variables: map[string]any{"other": 1}}},
		{"nil variable", Decision{FlagKey: "f", Variables: map[string]any{"cdnVariationSettings": nil}}},
		{"malformed string", Decision{FlagKey: "f", Variables: map[string]any{"cdnVariationSettings": "{not json"}}},
		{"wrong type", Decision{FlagKey: "f", Variables: map[string]any{"cdnVariationSettings": 42}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := tt.d.Settings(); s != nil {
				t.Errorf("Expected nil settings, got %+v", s)
			}
		})
	}
}

func TestSettings_ValidRequiresResponseURL(t *testing.T) {
	var s *CDNVariationSettings
	if s.Valid() {
		t.Error("Expected nil settings to be invalid")
	}
	s = &CDNVariationSettings{CDNExperimentURL: "https://example.com/p"}
	if s.Valid() {
		t.Error("Expected settings without cdnResponseURL to be invalid")
	}
	s.CDNResponseURL = "https://origin.example.com/v"
	if !s.Valid() {
		t.Error("Expected settings with cdnResponseURL to be valid")
	}
}

func TestIsRolloutRule(t *testing.T) {
	tests := []struct {
		ruleKey string
		want    bool
	}{
		{"rollout-123", true},
		{"homepage-rollout", true},
		{"default_rollout_rule", true},
		{"exp_homepage", false},
		{"", false},
		{"Rollout-ABC", true},
	}
	for _, tt := range tests {
		d := Decision{RuleKey: tt.ruleKey}
		if got := d.IsRolloutRule(); got != tt.want {
			t.Errorf("IsRolloutRule(%q) = %v, want %v", tt.ruleKey, got, tt.want)
		}
	}
}
