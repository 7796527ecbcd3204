package engine

import (
	"context"
	"encoding/json"
	"log"

	"github.com/optimizely/optimizely-edge-agent/internal/platform"
)

const profileKVPrefix = "optly-user-profile-"

// ProfileEntry records which variation a rule granted a visitor.
type ProfileEntry struct {
	VariationKey string `json:"variationKey"`
	RuleKey      string `json:"ruleKey"`
}

// Profiles is the user-profile service: a KV-backed map of visitor id to
// per-flag sticky assignments. The contract is read-before-bucketing,
// write-after-bucketing; storage errors degrade to "no profile" and are
// never surfaced to the request path.
type Profiles struct {
	kv platform.Store
}

// NewProfiles creates a profile service over the platform KV namespace.
func NewProfiles(kv platform.Store) *Profiles {
	return &Profiles{kv: kv}
}

func profileKey(visitorID string) string { return profileKVPrefix + visitorID }

// Lookup returns the saved assignment for the visitor and flag, if any.
func (p *Profiles) Lookup(ctx context.Context, visitorID, flagKey string) (ProfileEntry, bool) {
	if visitorID == "" {
		return ProfileEntry{}, false
	}
	blob, err := p.kv.Get(ctx, profileKey(visitorID))
	if err != nil {
		return ProfileEntry{}, false
	}
	var entries map[string]ProfileEntry
	if err := json.Unmarshal(blob, &entries); err != nil {
		// Corrupt profile: treat as absent rather than failing the request.
		return ProfileEntry{}, false
	}
	entry, ok := entries[flagKey]
	return entry, ok
}

// Save records an assignment, merging over the visitor's existing entries.
// Last write wins across concurrent requests.
func (p *Profiles) Save(ctx context.Context, visitorID, flagKey, variationKey, ruleKey string) {
	if visitorID == "" {
		return
	}
	entries := make(map[string]ProfileEntry)
	if blob, err := p.kv.Get(ctx, profileKey(visitorID)); err == nil {
		_ = json.Unmarshal(blob, &entries)
	}
	entries[flagKey] = ProfileEntry{VariationKey: variationKey, RuleKey: ruleKey}

	blob, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := p.kv.Put(ctx, profileKey(visitorID), blob); err != nil {
		log.Printf("[engine] profile write failed: visitor=%s error=%v", visitorID, err)
	}
}
