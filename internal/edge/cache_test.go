package edge

import (
	"strings"
	"testing"
	"time"

	"github.com/optimizely/optimizely-edge-agent/internal/decision"
)

func TestCacheKey_LiteralKey(t *testing.T) {
	s := &decision.CDNVariationSettings{CacheKey: "homepage_v2"}
	key := CacheKey(s, "flag_1", "a", "https://origin.example.com/p")
	if key != responseKeyPrefix+"homepage_v2" {
		t.Errorf("Expected namespaced literal key, got %q", key)
	}
}

func TestCacheKey_SentinelDerivation(t *testing.T) {
	s := &decision.CDNVariationSettings{CacheKey: decision.VariationKeySentinel}

	k1 := CacheKey(s, "flag_1", "a", "https://origin.example.com/p")
	k2 := CacheKey(s, "flag_1", "a", "https://origin.example.com/p")
	if k1 != k2 {
		t.Errorf("Derivation not deterministic: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, responseKeyPrefix) {
		t.Errorf("Expected namespaced key, got %q", k1)
	}
	if !strings.HasSuffix(k1, "_flag_1_a") {
		t.Errorf("Expected flag and variation in key, got %q", k1)
	}
}

func TestCacheKey_DistinctVariationsNeverCollide(t *testing.T) {
	s := &decision.CDNVariationSettings{CacheKey: decision.VariationKeySentinel}
	url := "https://origin.example.com/p"

	kA := CacheKey(s, "flag_1", "a", url)
	kB := CacheKey(s, "flag_1", "b", url)
	if kA == kB {
		t.Errorf("Distinct variations collided on key %q", kA)
	}

	kOther := CacheKey(s, "flag_2", "a", url)
	if kA == kOther {
		t.Errorf("Distinct flags collided on key %q", kA)
	}
}

func TestCacheKey_URLNormalization(t *testing.T) {
	s := &decision.CDNVariationSettings{CacheKey: decision.VariationKeySentinel}

	k1 := CacheKey(s, "flag_1", "a", "https://origin.example.com/p/x")
	k2 := CacheKey(s, "flag_1", "a", "https://origin.example.com//p//x")
	if k1 != k2 {
		t.Errorf("Duplicate slashes changed the key: %q vs %q", k1, k2)
	}

	k3 := CacheKey(s, "flag_1", "a", "https://origin.example.com/other")
	if k1 == k3 {
		t.Error("Different origin URLs produced the same key")
	}
}

func TestCacheKey_EmptySettingsUsesSentinelPath(t *testing.T) {
	// No cacheKey at all behaves like the sentinel
	k1 := CacheKey(&decision.CDNVariationSettings{}, "flag_1", "a", "https://origin.example.com/p")
	k2 := CacheKey(&decision.CDNVariationSettings{CacheKey: decision.VariationKeySentinel}, "flag_1", "a", "https://origin.example.com/p")
	if k1 != k2 {
		t.Errorf("Expected empty cacheKey to derive, got %q vs %q", k1, k2)
	}
}

func TestCachedResponse_Stale(t *testing.T) {
	now := time.Now()
	c := &CachedResponse{StoredAt: now.Add(-10 * time.Minute)}

	if !c.Stale(5*time.Minute, now) {
		t.Error("Expected entry older than TTL to be stale")
	}
	if c.Stale(15*time.Minute, now) {
		t.Error("Expected entry within TTL to be fresh")
	}
}
