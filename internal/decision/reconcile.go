package decision

// Reconciled partitions previously stored decisions against the currently
// active flag set and computes the residual flags that still need a fresh
// evaluation.
type Reconciled struct {
	// ToDecide holds the active flag keys lacking a sticky or forced
	// decision; only these are sent to the decision engine.
	ToDecide []string
	// Forced holds decisions synthesized from forced-decision directives.
	// They always win over stored decisions for the same flag key.
	Forced []Decision
	// Valid holds stored decisions whose flag is still active.
	Valid []Decision
	// Invalid holds stored decisions whose flag left the datafile; they are
	// dropped and excluded from any re-serialized cookie/header.
	Invalid []Decision
}

// Reconcile partitions stored decisions into valid/invalid, applies forced
// precedence, and computes the residual set of flags to evaluate.
//
// A stored decision is valid iff its flag key is present in activeFlags.
// ToDecide = activeFlags minus (forced flag keys union valid stored flag
// keys); this is what provides sticky bucketing: a visitor with a valid
// stored decision for a flag is never re-evaluated unless the flag becomes
// inactive. If stored or activeFlags is empty, ToDecide degrades to the full
// activeFlags list.
func Reconcile(stored []Decision, activeFlags []string, forced []Decision) Reconciled {
	active := make(map[string]bool, len(activeFlags))
	for _, key := range activeFlags {
		active[key] = true
	}

	forcedKeys := make(map[string]bool, len(forced))
	for _, d := range forced {
		forcedKeys[d.FlagKey] = true
	}

	r := Reconciled{
		Forced:  forced,
		Valid:   []Decision{},
		Invalid: []Decision{},
	}

	// Valid and Invalid partition the stored decisions exactly: every stored
	// decision lands in one of the two, keyed only on flag activity. A forced
	// decision for the same flag still wins in the final set (Merged keeps
	// the forced entry), but the stored decision stays valid.
	validKeys := make(map[string]bool)
	for _, d := range stored {
		if !active[d.FlagKey] {
			r.Invalid = append(r.Invalid, d)
			continue
		}
		r.Valid = append(r.Valid, d)
		validKeys[d.FlagKey] = true
	}

	r.ToDecide = make([]string, 0, len(activeFlags))
	for _, key := range activeFlags {
		if forcedKeys[key] || validKeys[key] {
			continue
		}
		r.ToDecide = append(r.ToDecide, key)
	}
	return r
}

// Merged returns the final decision set for the request: forced decisions
// first, then valid stored decisions, then freshly evaluated ones, with the
// per-request uniqueness of flag keys preserved (first occurrence wins).
func (r Reconciled) Merged(fresh []Decision) []Decision {
	out := make([]Decision, 0, len(r.Forced)+len(r.Valid)+len(fresh))
	seen := make(map[string]bool)
	for _, group := range [][]Decision{r.Forced, r.Valid, fresh} {
		for _, d := range group {
			if seen[d.FlagKey] {
				continue
			}
			seen[d.FlagKey] = true
			out = append(out, d)
		}
	}
	return out
}
