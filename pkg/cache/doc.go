// Package cache provides the persistent dataset cache.
//
// The cache manager stores one dataset snapshot per key with the following
// guarantees:
//
// - An entry is valid only while its schema version matches the current one
//   and its age is below the configured TTL
// - Stale entries (expired or written under another schema) are deleted on read
// - Writes are all-or-nothing: payload and metadata land in one backend call
// - Storage failures never escape: they are logged and counted, and the
//   caller sees a cache miss or a skipped write
// - Metadata can be read without decoding the payload
//
// # Basic Usage
//
//	// Pick a backend (memory, redis, badger, sqlite)
//	backend := memory.New()
//
//	// Create cache manager
//	manager := cache.NewManager(backend, cache.DefaultConfig())
//
//	key := cache.Key{
//		Endpoint: "/resource/incidents.json",
//		Filters:  url.Values{"borough": []string{"BROOKLYN"}},
//		PageSize: 1000,
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then
//		manager.Put(ctx, key, snapshot)
//	}
//
// # Storage Layout
//
// Each entry occupies two backend records: the zstd-compressed JSON payload
// under the key itself and a small JSON metadata record under "<key>:meta".
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - dataset_cache_hits_total - Cache hits
//   - dataset_cache_misses_total{reason} - Cache misses (absent, expired, schema, corrupt, error)
//   - dataset_cache_errors_total{operation} - Backend failures by operation
//   - dataset_cache_stored_bytes - Size of the last stored payload
package cache
