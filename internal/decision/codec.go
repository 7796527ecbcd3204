package decision

import "strings"

// Cookie/header codec for the compact decision representation.
//
// The wire format is a flat delimited string: decisions joined by "&", each
// decision's flagKey, variationKey and ruleKey joined by ":". The format is
// intentionally lossy: Enabled, Variables and Reasons never round-trip
// because cookie size is constrained. Anything needing the full object must
// be re-evaluated.

const (
	decisionSep = "&"
	fieldSep    = ":"
)

// Serialize encodes decisions into the compact cookie/header string.
// ok=false means "nothing to store" (empty input) and must not be treated
// as an error by callers.
func Serialize(decisions []Decision) (string, bool) {
	if len(decisions) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(decisions))
	for _, d := range decisions {
		parts = append(parts, d.FlagKey+fieldSep+d.VariationKey+fieldSep+d.RuleKey)
	}
	return strings.Join(parts, decisionSep), true
}

// Deserialize decodes the compact cookie/header string. Any item that does
// not split into exactly 3 parts is silently dropped; malformed single
// entries do not invalidate the whole list. Empty input yields an empty
// list, never an error: corrupt client-held state must not crash a request.
func Deserialize(input string) []Decision {
	if input == "" {
		return []Decision{}
	}
	items := strings.Split(input, decisionSep)
	out := make([]Decision, 0, len(items))
	for _, item := range items {
		fields := strings.Split(item, fieldSep)
		if len(fields) != 3 || fields[0] == "" {
			continue
		}
		out = append(out, Decision{
			FlagKey:      fields[0],
			VariationKey: fields[1],
			RuleKey:      fields[2],
		})
	}
	return out
}
