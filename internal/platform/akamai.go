package platform

import (
	"context"
	"net/http"
)

// Akamai adapts EdgeWorkers-style primitives. EdgeWorkers terminate with the
// response and expose no background-task hook, so deferred work runs
// synchronously (documented fallback, same trade-off as Fastly). The KV
// namespace is typically an operator-hosted store (postgres backend by
// default).
type Akamai struct {
	kv     Store
	client *http.Client
}

// NewAkamai creates the Akamai adapter over the given KV backend.
func NewAkamai(kv Store, client *http.Client) *Akamai {
	if client == nil {
		client = http.DefaultClient
	}
	return &Akamai{kv: kv, client: client}
}

func (a *Akamai) Name() string { return "akamai" }
func (a *Akamai) KV() Store    { return a.kv }

func (a *Akamai) Fetch(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

// ClientIP trusts True-Client-IP, set by the Akamai edge before the worker.
func (a *Akamai) ClientIP(r *http.Request) string {
	return headerIP(r, "True-Client-IP", "X-Forwarded-For")
}

// WaitUntil runs the task synchronously (documented fallback).
func (a *Akamai) WaitUntil(task func(ctx context.Context)) { runSync(task) }
func (a *Akamai) Drain()                                   {}
