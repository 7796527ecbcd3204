// Package datafile downloads, caches and serves the flagging datafile that
// drives decision evaluation. Datafiles are fetched from the CDN with
// exponential backoff and mirrored into the platform KV namespace so edge
// deployments can run without reaching the CDN on every cold start.
package datafile

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/optimizely/optimizely-edge-agent/internal/platform"
)

const (
	// kvKeyPrefix prefixes the per-SDK-key datafile entry in KV.
	kvKeyPrefix = "optly_sdk_datafile_"
	// FlagKeysKVKey is the KV entry listing the flag keys to decide when a
	// request carries none (webhook-populated).
	FlagKeysKVKey = "optly_flagKeys"

	maxFetchTries = 4
	fetchTimeout  = 10 * time.Second
)

// Manager fetches datafiles from the CDN and mirrors them into KV.
type Manager struct {
	adapter         platform.Adapter
	urlTemplate     string
	authURLTemplate string
}

// NewManager creates a datafile manager. urlTemplate and authURLTemplate
// must contain one %s verb for the SDK key.
func NewManager(adapter platform.Adapter, urlTemplate, authURLTemplate string) *Manager {
	return &Manager{adapter: adapter, urlTemplate: urlTemplate, authURLTemplate: authURLTemplate}
}

// KVKey returns the KV key mirroring the datafile for sdkKey.
func KVKey(sdkKey string) string { return kvKeyPrefix + sdkKey }

// Download fetches the datafile for sdkKey from the CDN with exponential
// backoff. A non-empty accessToken switches to the authenticated config
// endpoint with a bearer token. 4xx responses are permanent failures and
// are not retried.
func (m *Manager) Download(ctx context.Context, sdkKey, accessToken string) ([]byte, error) {
	url := fmt.Sprintf(m.urlTemplate, sdkKey)
	if accessToken != "" {
		url = fmt.Sprintf(m.authURLTemplate, sdkKey)
	}

	operation := func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, err := m.adapter.Fetch(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if err := platform.EnsureSuccess(resp); err != nil {
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return io.ReadAll(resp.Body)
	}

	blob, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxFetchTries))
	if err != nil {
		return nil, fmt.Errorf("datafile download failed for %q: %w", sdkKey, err)
	}
	return blob, nil
}

// FromKV returns the datafile mirrored in KV for sdkKey, or
// store.ErrNotFound-equivalent from the backing store.
func (m *Manager) FromKV(ctx context.Context, sdkKey string) ([]byte, error) {
	return m.adapter.KV().Get(ctx, KVKey(sdkKey))
}

// Get resolves the datafile for sdkKey. With preferKV it serves the KV
// mirror when present. CDN downloads are mirrored back into KV as deferred
// work so the response never waits for the write. The returned source is
// "kv" or "cdn" and feeds the response metadata.
func (m *Manager) Get(ctx context.Context, sdkKey, accessToken string, preferKV bool) ([]byte, string, error) {
	if preferKV {
		if blob, err := m.FromKV(ctx, sdkKey); err == nil {
			return blob, "kv", nil
		}
	}

	blob, err := m.Download(ctx, sdkKey, accessToken)
	if err != nil {
		return nil, "", err
	}

	m.adapter.WaitUntil(func(taskCtx context.Context) {
		if err := m.adapter.KV().Put(taskCtx, KVKey(sdkKey), blob); err != nil {
			log.Printf("[datafile] kv mirror failed: sdk_key=%s error=%v", sdkKey, err)
		}
	})
	return blob, "cdn", nil
}
