package edge

import (
	"context"
	"sync"
)

// HookPoint enumerates the pipeline lifecycle points listeners can attach
// to. A typed enum replaces string-keyed registries so an unknown hook point
// is a compile error, not a silent no-op.
type HookPoint int

const (
	HookBeforeRequest HookPoint = iota
	HookAfterDecisions
	HookBeforeCacheRead
	HookAfterCacheWrite
	HookBeforeResponse
	HookAfterResponse
)

// HookResult is the open-ended result bag a listener may return. Keys with
// the "header:" prefix are applied to the response as custom headers during
// the final augmentation step.
type HookResult map[string]any

// HookFunc is a lifecycle listener. A nil return contributes nothing to the
// merged result.
type HookFunc func(ctx context.Context, cfg *RequestConfig) HookResult

// Hooks is the registration/trigger API for lifecycle listeners.
// Triggering merges listener results: later listeners' non-nil returns
// shallow-merge over earlier ones, key by key.
type Hooks struct {
	mu        sync.RWMutex
	listeners map[HookPoint][]HookFunc
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{listeners: make(map[HookPoint][]HookFunc)}
}

// Register attaches fn to the given hook point. Listeners run in
// registration order.
func (h *Hooks) Register(point HookPoint, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[point] = append(h.listeners[point], fn)
}

// Trigger runs the listeners for point in registration order and returns
// the shallow-merged result. With no listeners (or all-nil returns) the
// result is an empty, non-nil map.
func (h *Hooks) Trigger(ctx context.Context, point HookPoint, cfg *RequestConfig) HookResult {
	h.mu.RLock()
	listeners := h.listeners[point]
	h.mu.RUnlock()

	merged := make(HookResult)
	for _, fn := range listeners {
		result := fn(ctx, cfg)
		if result == nil {
			continue
		}
		for k, v := range result {
			merged[k] = v
		}
	}
	return merged
}
