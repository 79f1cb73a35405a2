// Package memory provides an in-process cache backend.
//
// It keeps nothing across restarts and is meant for tests and for running
// without any persistent engine.
package memory

import (
	"context"
	"sync"

	"github.com/Sternrassler/dataset-loader/pkg/cache"
)

// Backend is a map-backed cache.Backend.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
	fail error

	// Call counters, read with Calls
	gets, sets, deletes int
}

// Calls reports how many times each operation was invoked.
type Calls struct {
	Gets    int
	Sets    int
	Deletes int
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// FailWith makes every subsequent operation return err. Pass nil to recover.
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// Calls returns the operation counters.
func (b *Backend) Calls() Calls {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Calls{Gets: b.gets, Sets: b.sets, Deletes: b.deletes}
}

// Len returns the number of stored keys.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Get implements cache.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.fail != nil {
		return nil, b.fail
	}
	v, ok := b.data[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// SetAll implements cache.Backend.
func (b *Backend) SetAll(ctx context.Context, items map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets++
	if b.fail != nil {
		return b.fail
	}
	for k, v := range items {
		stored := make([]byte, len(v))
		copy(stored, v)
		b.data[k] = stored
	}
	return nil
}

// Delete implements cache.Backend.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if b.fail != nil {
		return b.fail
	}
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

// Close implements cache.Backend.
func (b *Backend) Close() error {
	return nil
}
