package store

import (
	"context"
	"fmt"

	"github.com/optimizely/optimizely-edge-agent/internal/db"
)

// Options carries the backend-specific settings the factory may need.
type Options struct {
	// MemoryQuotaMB limits the in-memory backend; 0 means the default quota.
	MemoryQuotaMB int
	// PostgresDSN is required for the postgres backend.
	PostgresDSN string
	// S3 is required for the s3 backend.
	S3 S3Options
}

// New creates a store for the given backend name.
// Supported backends: "memory", "postgres", "s3".
func New(ctx context.Context, backend string, opts Options) (Store, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(opts.MemoryQuotaMB), nil
	case "postgres":
		pool, err := db.NewPool(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgresStore(ctx, pool)
	case "s3":
		return NewS3Store(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
