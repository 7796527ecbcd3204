// Package engine evaluates flags from a parsed datafile. The rest of the
// pipeline consumes it strictly through the Decider interface; swapping in a
// full SDK client changes nothing outside this package.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/optimizely/optimizely-edge-agent/internal/bucketing"
)

// Rule types recognized in the datafile.
const (
	RuleTypeExperiment = "experiment"
	RuleTypeRollout    = "rollout"
)

// Datafile is the parsed flagging configuration.
type Datafile struct {
	Revision string `json:"revision"`
	Salt     string `json:"salt"`
	Flags    []Flag `json:"flags"`
}

// Flag is one feature flag with its ordered delivery rules.
type Flag struct {
	Key   string `json:"key"`
	Rules []Rule `json:"rules"`
}

// Rule is one delivery rule: an experiment or a rollout. Rules are evaluated
// in datafile order; the first rule whose traffic allocation admits the
// visitor decides the flag.
type Rule struct {
	Key               string          `json:"key"`
	Type              string          `json:"type"`
	TrafficAllocation int             `json:"trafficAllocation"` // basis points
	Audiences         []string        `json:"audiences,omitempty"`
	Variations        []RuleVariation `json:"variations"`
}

// RuleVariation is one arm of a rule with its variables.
type RuleVariation struct {
	Key       string         `json:"key"`
	Weight    int            `json:"weight"` // basis points
	Variables map[string]any `json:"variables,omitempty"`
}

// Parse decodes and validates a raw datafile.
func Parse(blob []byte) (*Datafile, error) {
	var df Datafile
	if err := json.Unmarshal(blob, &df); err != nil {
		return nil, fmt.Errorf("malformed datafile: %w", err)
	}
	seen := make(map[string]bool, len(df.Flags))
	for _, f := range df.Flags {
		if f.Key == "" {
			return nil, fmt.Errorf("datafile flag with empty key")
		}
		if seen[f.Key] {
			return nil, fmt.Errorf("duplicate flag key %q in datafile", f.Key)
		}
		seen[f.Key] = true
	}
	return &df, nil
}

// weights converts a rule's variations to bucketing variations.
func (r Rule) weights() []bucketing.Variation {
	out := make([]bucketing.Variation, 0, len(r.Variations))
	for _, v := range r.Variations {
		out = append(out, bucketing.Variation{Key: v.Key, Weight: v.Weight})
	}
	return out
}
