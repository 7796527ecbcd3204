package platform

import (
	"context"
	"net/http"
)

// CloudFront adapts Lambda@Edge-style primitives. Functions share state
// through S3 (the default KV backend) and may finish work after the
// response, so deferred tasks run in the background.
type CloudFront struct {
	kv     Store
	client *http.Client
	tasks  taskGroup
}

// NewCloudFront creates the CloudFront adapter over the given KV backend.
func NewCloudFront(kv Store, client *http.Client) *CloudFront {
	if client == nil {
		client = http.DefaultClient
	}
	return &CloudFront{kv: kv, client: client}
}

func (c *CloudFront) Name() string { return "cloudfront" }
func (c *CloudFront) KV() Store    { return c.kv }

func (c *CloudFront) Fetch(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// ClientIP trusts CloudFront-Viewer-Address (ip:port form is passed along
// unchanged; consumers only use it as an identity hint).
func (c *CloudFront) ClientIP(r *http.Request) string {
	return headerIP(r, "CloudFront-Viewer-Address", "X-Forwarded-For")
}

func (c *CloudFront) WaitUntil(task func(ctx context.Context)) { c.tasks.waitUntil(task) }
func (c *CloudFront) Drain()                                   { c.tasks.drain() }
