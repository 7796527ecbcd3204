package engine

import (
	"context"
	"fmt"

	"github.com/optimizely/optimizely-edge-agent/internal/bucketing"
	"github.com/optimizely/optimizely-edge-agent/internal/decision"
)

// Decider is the black-box decision contract the pipeline consumes. The
// edge handler never reaches past it into evaluation details.
type Decider interface {
	// Decide evaluates one flag for one visitor.
	Decide(ctx context.Context, visitorID, flagKey string, attributes map[string]any) (decision.Decision, error)

	// DecideFlags evaluates the given flags in order. An empty flagKeys
	// slice decides nothing.
	DecideFlags(ctx context.Context, visitorID string, flagKeys []string, attributes map[string]any) ([]decision.Decision, error)

	// ActiveFlags returns the flag keys present in the current datafile, in
	// datafile order.
	ActiveFlags() []string

	// Revision identifies the configuration the decider was built from.
	Revision() string
}

// Engine is the datafile-backed Decider. It is immutable after construction:
// configuration changes are handled by building a new Engine and replacing
// the old one wholesale (see Cache), never by mutating a live instance.
type Engine struct {
	df       *Datafile
	flags    map[string]Flag
	order    []string
	profiles *Profiles
}

// Options tunes engine construction.
type Options struct {
	// Profiles enables the user-profile service for sticky bucketing across
	// devices. Nil disables profile reads/writes.
	Profiles *Profiles
}

// New builds an engine from a parsed datafile.
func New(df *Datafile, opts Options) *Engine {
	flags := make(map[string]Flag, len(df.Flags))
	order := make([]string, 0, len(df.Flags))
	for _, f := range df.Flags {
		flags[f.Key] = f
		order = append(order, f.Key)
	}
	return &Engine{df: df, flags: flags, order: order, profiles: opts.Profiles}
}

func (e *Engine) Revision() string      { return e.df.Revision }
func (e *Engine) ActiveFlags() []string { return append([]string(nil), e.order...) }

// WithoutProfiles returns a view of the engine with the user-profile
// service disabled, for requests carrying ignoreUserProfileService. The
// underlying datafile state is shared, never copied.
func (e *Engine) WithoutProfiles() *Engine {
	if e.profiles == nil {
		return e
	}
	view := *e
	view.profiles = nil
	return &view
}

// Hydrate re-attaches variables to a lossy cookie-restored decision when
// its rule and variation still exist in the current datafile. Decisions
// that no longer resolve are returned unchanged; the caller already
// validated the flag key against the active set.
func (e *Engine) Hydrate(d decision.Decision) decision.Decision {
	flag, ok := e.flags[d.FlagKey]
	if !ok {
		return d
	}
	for _, rule := range flag.Rules {
		if rule.Key != d.RuleKey {
			continue
		}
		for _, v := range rule.Variations {
			if v.Key == d.VariationKey {
				d.Enabled = true
				d.Variables = v.Variables
				return d
			}
		}
	}
	return d
}

// Decide evaluates one flag. Rules run in datafile order; the first rule
// whose traffic allocation admits the visitor wins. A visitor admitted by no
// rule gets a disabled decision, which is still returned (and may be stored)
// to avoid re-evaluation.
func (e *Engine) Decide(ctx context.Context, visitorID, flagKey string, attributes map[string]any) (decision.Decision, error) {
	flag, ok := e.flags[flagKey]
	if !ok {
		return decision.Decision{}, fmt.Errorf("unknown flag key %q", flagKey)
	}

	if e.profiles != nil {
		if saved, ok := e.profiles.Lookup(ctx, visitorID, flagKey); ok {
			if d, found := e.decisionFromProfile(flag, saved); found {
				return d, nil
			}
			// The saved variation left the datafile; fall through and
			// re-bucket.
		}
	}

	for _, rule := range flag.Rules {
		if !bucketing.InAllocation(visitorID, rule.Key, rule.TrafficAllocation, e.df.Salt) {
			continue
		}
		variationKey, err := bucketing.ChooseVariation(visitorID, rule.Key, rule.weights(), e.df.Salt)
		if err != nil {
			return decision.Decision{}, fmt.Errorf("flag %q rule %q: %w", flagKey, rule.Key, err)
		}
		if variationKey == "" {
			continue
		}

		d := decision.Decision{
			FlagKey:      flagKey,
			VariationKey: variationKey,
			RuleKey:      rule.Key,
			Enabled:      true,
			Variables:    rule.variables(variationKey),
			Reasons: []string{
				fmt.Sprintf("visitor bucketed into variation %q by rule %q", variationKey, rule.Key),
			},
		}
		if e.profiles != nil {
			e.profiles.Save(ctx, visitorID, flagKey, variationKey, rule.Key)
		}
		return d, nil
	}

	return decision.Decision{
		FlagKey: flagKey,
		Enabled: false,
		Reasons: []string{"no rule admitted the visitor"},
	}, nil
}

// DecideFlags evaluates the given flags in order, skipping unknown keys
// (datafile drift between cookie state and configuration is expected).
func (e *Engine) DecideFlags(ctx context.Context, visitorID string, flagKeys []string, attributes map[string]any) ([]decision.Decision, error) {
	out := make([]decision.Decision, 0, len(flagKeys))
	for _, key := range flagKeys {
		if _, ok := e.flags[key]; !ok {
			continue
		}
		d, err := e.Decide(ctx, visitorID, key, attributes)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// decisionFromProfile rebuilds a decision from a stored profile entry when
// the rule and variation still exist in the current datafile.
func (e *Engine) decisionFromProfile(flag Flag, saved ProfileEntry) (decision.Decision, bool) {
	for _, rule := range flag.Rules {
		if rule.Key != saved.RuleKey {
			continue
		}
		for _, v := range rule.Variations {
			if v.Key == saved.VariationKey {
				return decision.Decision{
					FlagKey:      flag.Key,
					VariationKey: v.Key,
					RuleKey:      rule.Key,
					Enabled:      true,
					Variables:    v.Variables,
					Reasons:      []string{"variation restored from user profile"},
				}, true
			}
		}
	}
	return decision.Decision{}, false
}

// variables returns the variables of the named variation.
func (r Rule) variables(variationKey string) map[string]any {
	for _, v := range r.Variations {
		if v.Key == variationKey {
			return v.Variables
		}
	}
	return nil
}
