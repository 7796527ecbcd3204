package decision

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestReconcile_StickyBucketing(t *testing.T) {
	// A valid stored decision removes its flag from the to-decide set
	stored := []Decision{
		{FlagKey: "flag_1", VariationKey: "a", RuleKey: "r1"},
	}
	r := Reconcile(stored, []string{"flag_1", "flag_2"}, nil)

	if len(r.Valid) != 1 || r.Valid[0].FlagKey != "flag_1" {
		t.Errorf("Expected flag_1 valid, got %+v", r.Valid)
	}
	if len(r.Invalid) != 0 {
		t.Errorf("Expected no invalid decisions, got %+v", r.Invalid)
	}
	if len(r.ToDecide) != 1 || r.ToDecide[0] != "flag_2" {
		t.Errorf("Expected toDecide=[flag_2], got %v", r.ToDecide)
	}
}

func TestReconcile_InactiveFlagInvalidated(t *testing.T) {
	// A stored decision whose flag left the datafile is invalid and the
	// remaining active flags are all re-decided
	stored := []Decision{
		{FlagKey: "flag_gone", VariationKey: "a", RuleKey: "r1"},
	}
	r := Reconcile(stored, []string{"flag_1"}, nil)

	if len(r.Invalid) != 1 || r.Invalid[0].FlagKey != "flag_gone" {
		t.Errorf("Expected flag_gone invalid, got %+v", r.Invalid)
	}
	if len(r.Valid) != 0 {
		t.Errorf("Expected no valid decisions, got %+v", r.Valid)
	}
	if len(r.ToDecide) != 1 || r.ToDecide[0] != "flag_1" {
		t.Errorf("Expected toDecide=[flag_1], got %v", r.ToDecide)
	}
}

func TestReconcile_ForcedWinsOverStored(t *testing.T) {
	stored := []Decision{
		{FlagKey: "flag_1", VariationKey: "stored_var", RuleKey: "r1"},
	}
	forced := []Decision{
		{FlagKey: "flag_1", VariationKey: "forced_var", Enabled: true},
	}
	r := Reconcile(stored, []string{"flag_1"}, forced)

	if len(r.Forced) != 1 || r.Forced[0].VariationKey != "forced_var" {
		t.Errorf("Expected forced decision preserved, got %+v", r.Forced)
	}
	// The stored decision stays in the valid partition; forced precedence is
	// applied at merge time, not by dropping it
	if len(r.Valid) != 1 || r.Valid[0].VariationKey != "stored_var" {
		t.Errorf("Expected stored decision to stay valid, got %+v", r.Valid)
	}
	if len(r.Invalid) != 0 {
		t.Errorf("Expected no invalid decisions, got %+v", r.Invalid)
	}
	if len(r.ToDecide) != 0 {
		t.Errorf("Expected nothing to decide, got %v", r.ToDecide)
	}

	merged := r.Merged(nil)
	if len(merged) != 1 || merged[0].VariationKey != "forced_var" {
		t.Errorf("Expected only the forced decision in the final set, got %+v", merged)
	}
}

func TestReconcile_PartitionCoversStored(t *testing.T) {
	// An active flag that is both stored and forced must not vanish from the
	// valid/invalid partition
	stored := []Decision{{FlagKey: "f1", VariationKey: "v1", RuleKey: "r1"}}
	forced := []Decision{{FlagKey: "f1", VariationKey: "forced_v", Enabled: true}}
	r := Reconcile(stored, []string{"f1"}, forced)

	if len(r.Valid)+len(r.Invalid) != len(stored) {
		t.Errorf("Expected valid+invalid to cover stored, got valid=%+v invalid=%+v",
			r.Valid, r.Invalid)
	}
}

func TestReconcile_EmptyStored(t *testing.T) {
	r := Reconcile(nil, []string{"flag_1", "flag_2"}, nil)
	if len(r.ToDecide) != 2 {
		t.Errorf("Expected all active flags to-decide, got %v", r.ToDecide)
	}
}

func TestReconcile_EmptyActive(t *testing.T) {
	stored := []Decision{{FlagKey: "flag_1", VariationKey: "a", RuleKey: "r1"}}
	r := Reconcile(stored, nil, nil)
	if len(r.ToDecide) != 0 {
		t.Errorf("Expected nothing to decide, got %v", r.ToDecide)
	}
	if len(r.Invalid) != 1 {
		t.Errorf("Expected stored decision invalid, got %+v", r.Invalid)
	}
}

func TestMerged_Order(t *testing.T) {
	r := Reconciled{
		Forced: []Decision{{FlagKey: "f_forced", VariationKey: "fv"}},
		Valid:  []Decision{{FlagKey: "f_stored", VariationKey: "sv"}},
	}
	fresh := []Decision{{FlagKey: "f_fresh", VariationKey: "nv"}}

	merged := r.Merged(fresh)
	if len(merged) != 3 {
		t.Fatalf("Expected 3 decisions, got %d", len(merged))
	}
	if merged[0].FlagKey != "f_forced" || merged[1].FlagKey != "f_stored" || merged[2].FlagKey != "f_fresh" {
		t.Errorf("Unexpected merge order: %+v", merged)
	}
}

func TestMerged_FirstOccurrenceWins(t *testing.T) {
	r := Reconciled{
		Forced: []Decision{{FlagKey: "flag_1", VariationKey: "forced"}},
		Valid:  []Decision{{FlagKey: "flag_1", VariationKey: "stored"}},
	}
	merged := r.Merged([]Decision{{FlagKey: "flag_1", VariationKey: "fresh"}})
	if len(merged) != 1 {
		t.Fatalf("Expected 1 decision, got %d", len(merged))
	}
	if merged[0].VariationKey != "forced" {
		t.Errorf("Expected forced variation to win, got %s", merged[0].VariationKey)
	}
}

// Property-based test: the reconciler's partition invariants hold for
// arbitrary inputs
func TestReconcile_PropertyPartition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	buildDecisions := func(keys []string) []Decision {
		out := make([]Decision, 0, len(keys))
		for _, k := range keys {
			out = append(out, Decision{FlagKey: k, VariationKey: "v", RuleKey: "r"})
		}
		return out
	}

	properties.Property("valid and invalid partition stored decisions", prop.ForAll(
		func(storedKeys, activeFlags, forcedKeys []string) bool {
			stored := buildDecisions(storedKeys)
			forced := buildDecisions(forcedKeys)
			r := Reconcile(stored, activeFlags, forced)

			forcedSet := make(map[string]bool)
			for _, d := range forced {
				forcedSet[d.FlagKey] = true
			}
			activeSet := make(map[string]bool)
			for _, k := range activeFlags {
				activeSet[k] = true
			}

			// Every stored decision lands in exactly one of valid/invalid.
			if len(r.Valid)+len(r.Invalid) != len(stored) {
				return false
			}

			// Valid decisions are active, invalid ones are not.
			validSet := make(map[string]bool)
			for _, d := range r.Valid {
				if !activeSet[d.FlagKey] {
					return false
				}
				validSet[d.FlagKey] = true
			}
			for _, d := range r.Invalid {
				if activeSet[d.FlagKey] {
					return false
				}
			}

			// ToDecide never overlaps forced or valid, and every member is
			// active.
			for _, k := range r.ToDecide {
				if forcedSet[k] || validSet[k] || !activeSet[k] {
					return false
				}
			}

			// Every active flag is covered: forced, valid, or to-decide.
			toDecideSet := make(map[string]bool)
			for _, k := range r.ToDecide {
				toDecideSet[k] = true
			}
			for _, k := range activeFlags {
				if !forcedSet[k] && !validSet[k] && !toDecideSet[k] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

// Property-based test: merged flag keys are unique
func TestMerged_PropertyUniqueFlagKeys(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no duplicate flag keys after merge", prop.ForAll(
		func(forcedKeys, validKeys, freshKeys []string) bool {
			build := func(keys []string) []Decision {
				out := make([]Decision, 0, len(keys))
				for _, k := range keys {
					out = append(out, Decision{FlagKey: k})
				}
				return out
			}
			r := Reconciled{Forced: build(forcedKeys), Valid: build(validKeys)}
			merged := r.Merged(build(freshKeys))

			seen := make(map[string]bool)
			for _, d := range merged {
				if seen[d.FlagKey] {
					return false
				}
				seen[d.FlagKey] = true
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
