// Package platform normalizes the per-CDN primitives (KV storage, fetch,
// client metadata headers, deferred background work) behind one capability
// interface so the rest of the pipeline never branches on platform.
package platform

import (
	"context"
	"fmt"
	"net/http"
)

// Adapter is the uniform capability contract every platform shim implements.
// Implementations are selected by configuration, not inheritance; each owns
// its platform's native conventions and translates at the boundary only.
type Adapter interface {
	// Name returns the platform identifier ("cloudflare", "fastly", ...).
	Name() string

	// KV returns the platform's key/value namespace. No transactional
	// guarantees; last write wins.
	KV() Store

	// Fetch performs an outbound HTTP request with the platform's client.
	// A non-nil error means the request never produced a response; status
	// handling is left to the caller (see EnsureSuccess).
	Fetch(req *http.Request) (*http.Response, error)

	// ClientIP extracts the visitor address using the platform's trusted
	// header, falling back to RemoteAddr.
	ClientIP(r *http.Request) string

	// WaitUntil registers deferred work that must not block the primary
	// response. Platforms without native background-task support run the
	// task synchronously, trading latency for correctness.
	WaitUntil(task func(ctx context.Context))

	// Drain blocks until all registered deferred work has completed. Used
	// at shutdown and in tests; never called on the request path.
	Drain()
}

// Store mirrors store.Store so platform consumers don't import the storage
// package directly.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// StatusError preserves the upstream status code when a fetch returned a
// non-success response that the caller required to succeed.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.Status, e.URL)
}

// EnsureSuccess translates a non-2xx response into a StatusError, uniformly
// across platforms. The response body remains readable for diagnostics.
func EnsureSuccess(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Status: resp.StatusCode, URL: resp.Request.URL.String()}
}

// CloneHeader returns a copy of h with key set to value. The input header is
// never mutated in place.
func CloneHeader(h http.Header, key, value string) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Set(key, value)
	return out
}

// AppendCookie returns a copy of h with the cookie appended as a Set-Cookie
// value. The input header is never mutated in place.
func AppendCookie(h http.Header, c *http.Cookie) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	if v := c.String(); v != "" {
		out.Add("Set-Cookie", v)
	}
	return out
}

// headerIP returns the first non-empty value among the given headers,
// falling back to the request's RemoteAddr.
func headerIP(r *http.Request, headers ...string) string {
	for _, h := range headers {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return r.RemoteAddr
}
