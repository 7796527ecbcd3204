package platform

import (
	"context"
	"net/http"
)

// Vercel adapts Edge-Function-style primitives with native waitUntil
// support; deferred work runs in the background.
type Vercel struct {
	kv     Store
	client *http.Client
	tasks  taskGroup
}

// NewVercel creates the Vercel adapter over the given KV backend.
func NewVercel(kv Store, client *http.Client) *Vercel {
	if client == nil {
		client = http.DefaultClient
	}
	return &Vercel{kv: kv, client: client}
}

func (v *Vercel) Name() string { return "vercel" }
func (v *Vercel) KV() Store    { return v.kv }

func (v *Vercel) Fetch(req *http.Request) (*http.Response, error) {
	return v.client.Do(req)
}

// ClientIP trusts X-Real-IP, set by the Vercel proxy layer.
func (v *Vercel) ClientIP(r *http.Request) string {
	return headerIP(r, "X-Real-IP", "X-Forwarded-For")
}

func (v *Vercel) WaitUntil(task func(ctx context.Context)) { v.tasks.waitUntil(task) }
func (v *Vercel) Drain()                                   { v.tasks.drain() }
