package platform

import (
	"context"
	"net/http"
)

// Cloudflare adapts Workers-style primitives: a KV namespace, native fetch
// and event.waitUntil. Deferred work runs in the background; the response
// never waits for it.
type Cloudflare struct {
	kv     Store
	client *http.Client
	tasks  taskGroup
}

// NewCloudflare creates the Cloudflare adapter over the given KV backend.
func NewCloudflare(kv Store, client *http.Client) *Cloudflare {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cloudflare{kv: kv, client: client}
}

func (c *Cloudflare) Name() string { return "cloudflare" }
func (c *Cloudflare) KV() Store    { return c.kv }

func (c *Cloudflare) Fetch(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// ClientIP trusts CF-Connecting-IP, the header Cloudflare sets from the TCP
// peer before the worker runs.
func (c *Cloudflare) ClientIP(r *http.Request) string {
	return headerIP(r, "CF-Connecting-IP", "X-Forwarded-For")
}

func (c *Cloudflare) WaitUntil(task func(ctx context.Context)) { c.tasks.waitUntil(task) }
func (c *Cloudflare) Drain()                                   { c.tasks.drain() }
