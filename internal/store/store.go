// Package store provides the key/value storage backends that sit behind the
// platform adapters: an in-memory LRU with a byte quota, a PostgreSQL table
// and an S3-compatible bucket. All backends expose the same last-write-wins
// contract with no transactional guarantees.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent. Callers in the
// request path treat it as a cache miss, never as a failure.
var ErrNotFound = errors.New("store: key not found")

// ErrValueTooLarge is returned by Put when a single value exceeds the
// store's byte quota and could never be admitted.
var ErrValueTooLarge = errors.New("store: value exceeds quota")

// Store is a byte-oriented key/value store. Implementations must be safe for
// concurrent use. Writes are last-write-wins; two in-flight requests racing
// on the same key is accepted (duplication, not corruption).
type Store interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
