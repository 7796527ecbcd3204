package platform

import (
	"context"
	"net/http"
)

// Fastly adapts Compute-style primitives. Compute has no waitUntil
// equivalent: the isolate ends with the response, so deferred work runs
// synchronously before the response is considered complete. This adds the
// task's latency to the request but guarantees the work is not dropped.
type Fastly struct {
	kv     Store
	client *http.Client
}

// NewFastly creates the Fastly adapter over the given KV backend.
func NewFastly(kv Store, client *http.Client) *Fastly {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fastly{kv: kv, client: client}
}

func (f *Fastly) Name() string { return "fastly" }
func (f *Fastly) KV() Store    { return f.kv }

func (f *Fastly) Fetch(req *http.Request) (*http.Response, error) {
	return f.client.Do(req)
}

// ClientIP trusts Fastly-Client-IP.
func (f *Fastly) ClientIP(r *http.Request) string {
	return headerIP(r, "Fastly-Client-IP", "X-Forwarded-For")
}

// WaitUntil runs the task synchronously (documented fallback).
func (f *Fastly) WaitUntil(task func(ctx context.Context)) { runSync(task) }
func (f *Fastly) Drain()                                   {}
