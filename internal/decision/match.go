package decision

import (
	"net/url"
	"regexp"
	"strings"
)

// Match is the result of resolving the request URL against the decision
// set: the decision that owns the matching CDN settings.
type Match struct {
	FlagKey      string
	VariationKey string
	Settings     *CDNVariationSettings
}

var dupSlashes = regexp.MustCompile(`/{2,}`)

// normalizeURL collapses duplicate slashes in the path and returns
// origin+path, dropping the query string. Returns "" for unparseable input.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	path := dupSlashes.ReplaceAllString(u.EscapedPath(), "/")
	path = strings.TrimSuffix(path, "/")
	return strings.ToLower(u.Scheme+"://"+u.Host) + path
}

// FindMatchingConfig returns the first decision (in evaluation order) whose
// cdnExperimentURL matches the incoming request URL after normalization.
// Both URLs are normalized by collapsing duplicate slashes and comparing
// origin+pathname; in strict mode the query strings must also be equal.
//
// When two active decisions both match the same normalized URL the
// earlier-registered decision is served. There is no specificity-based
// ranking. A nil return signals plain passthrough.
func FindMatchingConfig(requestURL string, decisions []Decision, strict bool) *Match {
	reqNorm := normalizeURL(requestURL)
	if reqNorm == "" {
		return nil
	}
	reqQuery := rawQuery(requestURL)

	for _, d := range decisions {
		s := d.Settings()
		if !s.Valid() || s.CDNExperimentURL == "" {
			continue
		}
		expNorm := normalizeURL(s.CDNExperimentURL)
		if expNorm == "" || expNorm != reqNorm {
			continue
		}
		if strict && rawQuery(s.CDNExperimentURL) != reqQuery {
			continue
		}
		return &Match{FlagKey: d.FlagKey, VariationKey: d.VariationKey, Settings: s}
	}
	return nil
}

func rawQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.RawQuery
}
