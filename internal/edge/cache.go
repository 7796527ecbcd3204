package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/optimizely/optimizely-edge-agent/internal/decision"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
)

// responseKeyPrefix namespaces cached responses inside the shared KV store.
const responseKeyPrefix = "optly_response_"

// CachedResponse is a platform-cache-stored response. StoredAt drives TTL
// staleness uniformly across backends: the agent never relies on a
// backend's native TTL, so the policy is identical on every platform.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Stale reports whether the entry is older than ttl.
func (c *CachedResponse) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(c.StoredAt) > ttl
}

// CacheKey derives the cache key for a matched variation. A literal
// settings.CacheKey is used as-is (namespaced); the VARIATION_KEY sentinel
// derives the key from the origin URL, flag key and variation key. The
// derivation is deterministic for identical inputs so repeat visitors with
// the same bucketing hit the same entry, and distinct variations never
// collide.
func CacheKey(settings *decision.CDNVariationSettings, flagKey, variationKey, originURL string) string {
	if settings != nil && settings.CacheKey != "" && settings.CacheKey != decision.VariationKeySentinel {
		return responseKeyPrefix + settings.CacheKey
	}
	base := canonicalURLKey(originURL)
	return fmt.Sprintf("%s%016x_%s_%s", responseKeyPrefix, xxhash.Sum64String(base), flagKey, variationKey)
}

// canonicalURLKey reduces a URL to scheme://host/path with duplicate slashes
// collapsed, so trivially different spellings of the same URL share a key.
func canonicalURLKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := dupSlashKey.ReplaceAllString(u.EscapedPath(), "/")
	return strings.ToLower(u.Scheme + "://" + u.Host + path)
}

var dupSlashKey = regexp.MustCompile(`/{2,}`)

// cacheRead loads and decodes a cached response. Any storage or decode
// error degrades to a miss; cache I/O must never fail the primary path.
func cacheRead(ctx context.Context, kv platform.Store, key string) *CachedResponse {
	blob, err := kv.Get(ctx, key)
	if err != nil {
		return nil
	}
	var cached CachedResponse
	if err := json.Unmarshal(blob, &cached); err != nil {
		return nil
	}
	return &cached
}

// cacheWrite encodes and stores a response. Errors are returned for logging
// only; callers never fail a request over them.
func cacheWrite(ctx context.Context, kv platform.Store, key string, cached *CachedResponse) error {
	blob, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return kv.Put(ctx, key, blob)
}
