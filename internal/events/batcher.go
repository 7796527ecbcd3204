// Package events accumulates decision/exposure events for the analytics
// endpoint and flushes them as one consolidated payload.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/optimizely/optimizely-edge-agent/internal/platform"
	"github.com/optimizely/optimizely-edge-agent/internal/telemetry"
)

// Visitor is one visitor record inside an event payload. Its inner shape is
// owned by the analytics endpoint; the batcher only concatenates.
type Visitor = json.RawMessage

// Event is one analytics payload. Two events are consolidated when they are
// identical except for their Visitors array.
type Event struct {
	AccountID       string    `json:"account_id,omitempty"`
	ProjectID       string    `json:"project_id,omitempty"`
	ClientName      string    `json:"client_name,omitempty"`
	ClientVersion   string    `json:"client_version,omitempty"`
	EnrichDecisions bool      `json:"enrich_decisions,omitempty"`
	AnonymizeIP     bool      `json:"anonymize_ip,omitempty"`
	Visitors        []Visitor `json:"visitors"`
}

// shapeKey identifies the event's structure with the visitors stripped.
func (e Event) shapeKey() string {
	stripped := e
	stripped.Visitors = nil
	blob, err := json.Marshal(stripped)
	if err != nil {
		return ""
	}
	return string(blob)
}

// Batcher queues events for one request/isolate lifetime. It is safe for
// concurrent use but guarantees no cross-request persistence: whatever is
// not flushed when the isolate ends is gone, which is why flushes are
// registered through the platform's deferred-work hook.
type Batcher struct {
	mu       sync.Mutex
	queue    []Event
	endpoint string
	fetch    func(*http.Request) (*http.Response, error)

	// FlushThreshold triggers an automatic flush once the queue reaches
	// this many events. 0 disables threshold flushing (end-of-request only).
	FlushThreshold int
}

// NewBatcher creates a batcher posting to endpoint through the adapter's
// fetch primitive.
func NewBatcher(endpoint string, adapter platform.Adapter) *Batcher {
	return &Batcher{endpoint: endpoint, fetch: adapter.Fetch}
}

// Enqueue adds an event to the queue and reports whether the flush
// threshold has been reached; the caller decides when to actually flush
// (typically via WaitUntil so the response is never blocked).
func (b *Batcher) Enqueue(event Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, event)
	return b.FlushThreshold > 0 && len(b.queue) >= b.FlushThreshold
}

// Len returns the number of queued, unflushed events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Consolidate merges queued events that share the same structural shape
// except for their visitors array into one event whose visitors are the
// concatenation of the inputs, in arrival order. The queue is left intact.
func (b *Batcher) Consolidate() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return consolidate(b.queue)
}

func consolidate(queue []Event) []Event {
	out := make([]Event, 0, len(queue))
	index := make(map[string]int)
	for _, ev := range queue {
		key := ev.shapeKey()
		if i, ok := index[key]; ok && key != "" {
			out[i].Visitors = append(out[i].Visitors, ev.Visitors...)
			continue
		}
		merged := ev
		merged.Visitors = append([]Visitor(nil), ev.Visitors...)
		index[key] = len(out)
		out = append(out, merged)
	}
	return out
}

// Flush consolidates the queue and dispatches one POST per consolidated
// event (normally exactly one). The queue is drained even on failure:
// analytics delivery is fire-and-forget and a retry storm against a dead
// endpoint helps nobody. Errors are logged and returned for tests; callers
// on the request path must not propagate them.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	for _, ev := range consolidate(pending) {
		telemetry.EventsFlushed.Inc()
		if err := b.post(ctx, ev); err != nil {
			log.Printf("[events] flush failed: endpoint=%s visitors=%d error=%v",
				b.endpoint, len(ev.Visitors), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Batcher) post(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.fetch(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return platform.EnsureSuccess(resp)
}
