package platform

import (
	"fmt"
	"net/http"
)

// Supported lists the recognized platform identifiers.
var Supported = []string{"cloudflare", "fastly", "vercel", "akamai", "cloudfront"}

// New creates the adapter for the given platform identifier over the given
// KV backend. An unsupported identifier is a configuration error and fails
// fast; the pipeline never silently defaults to a platform.
func New(name string, kv Store, client *http.Client) (Adapter, error) {
	switch name {
	case "cloudflare":
		return NewCloudflare(kv, client), nil
	case "fastly":
		return NewFastly(kv, client), nil
	case "vercel":
		return NewVercel(kv, client), nil
	case "akamai":
		return NewAkamai(kv, client), nil
	case "cloudfront":
		return NewCloudFront(kv, client), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %q (supported: %v)", name, Supported)
	}
}
