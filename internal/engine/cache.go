package engine

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Cache reuses Engine instances across requests within the same process so
// the datafile is not re-parsed per request. Entries are keyed by SDK key
// and identified by a digest of the datafile bytes; when the identity
// changes the entry is replaced wholesale, never mutated incrementally, so
// no request observes a half-updated client.
type Cache struct {
	mu      sync.RWMutex
	clients map[string]*cachedClient
	opts    Options
}

type cachedClient struct {
	identity uint64
	engine   *Engine
}

// NewCache creates an engine cache. opts apply to every engine it builds.
func NewCache(opts Options) *Cache {
	return &Cache{clients: make(map[string]*cachedClient), opts: opts}
}

// Get returns the engine for sdkKey, building one from blob if the cache
// holds no engine for that SDK key or the datafile bytes changed.
func (c *Cache) Get(sdkKey string, blob []byte) (*Engine, error) {
	identity := xxhash.Sum64(blob)

	c.mu.RLock()
	client, ok := c.clients[sdkKey]
	c.mu.RUnlock()
	if ok && client.identity == identity {
		return client.engine, nil
	}

	df, err := Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("sdk key %q: %w", sdkKey, err)
	}
	eng := New(df, c.opts)

	c.mu.Lock()
	// Re-check under the write lock; another request may have built the
	// same engine while we parsed.
	if client, ok := c.clients[sdkKey]; !ok || client.identity != identity {
		c.clients[sdkKey] = &cachedClient{identity: identity, engine: eng}
	} else {
		eng = client.engine
	}
	c.mu.Unlock()
	return eng, nil
}
