package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Backend when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend is a minimal byte store used by the cache manager.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetAll stores every item atomically: either all keys are written or none.
	SetAll(ctx context.Context, items map[string][]byte) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases resources held by the backend.
	Close() error
}
