package store

import (
	"container/list"
	"context"
	"sync"
)

// lruItem links a key and its value to the recency list element.
type lruItem struct {
	key   string
	value []byte
}

// MemoryStore is an in-memory Store with a hard byte quota and LRU eviction.
// It emulates an edge KV namespace for platforms whose KV service is not
// reachable from the host process, and backs tests and single-instance
// deployments.
type MemoryStore struct {
	mu           sync.Mutex
	lru          *list.List
	items        map[string]*list.Element
	maxBytes     int64
	currentBytes int64
}

// DefaultMemoryQuotaMB is the byte quota used when the configuration does
// not specify one.
const DefaultMemoryQuotaMB = 64

// NewMemoryStore creates an in-memory store limited to maxMB megabytes.
func NewMemoryStore(maxMB int) *MemoryStore {
	if maxMB <= 0 {
		maxMB = DefaultMemoryQuotaMB
	}
	return &MemoryStore{
		lru:      list.New(),
		items:    make(map[string]*list.Element),
		maxBytes: int64(maxMB) * 1024 * 1024,
	}
}

// Get retrieves the value for key and marks it most recently used.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	m.lru.MoveToFront(element)
	// Copy so callers can't mutate the stored value in place.
	value := element.Value.(*lruItem).value
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores value under key, evicting least recently used entries once the
// byte quota is exceeded. A value larger than the whole quota is rejected
// with ErrValueTooLarge; admitting it would evict everything and still leave
// the store over quota.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if int64(len(value)) > m.maxBytes {
		return ErrValueTooLarge
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[key]; ok {
		item := element.Value.(*lruItem)
		m.currentBytes += int64(len(stored)) - int64(len(item.value))
		item.value = stored
		m.lru.MoveToFront(element)
	} else {
		element := m.lru.PushFront(&lruItem{key: key, value: stored})
		m.items[key] = element
		m.currentBytes += int64(len(stored))
	}

	for m.currentBytes > m.maxBytes {
		back := m.lru.Back()
		if back == nil {
			break
		}
		evicted := m.lru.Remove(back).(*lruItem)
		delete(m.items, evicted.key)
		m.currentBytes -= int64(len(evicted.value))
	}
	return nil
}

// Delete removes key from the store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[key]; ok {
		evicted := m.lru.Remove(element).(*lruItem)
		delete(m.items, evicted.key)
		m.currentBytes -= int64(len(evicted.value))
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
