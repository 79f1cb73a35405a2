package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataset_cache_hits_total",
			Help: "Total number of dataset cache hits",
		},
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_cache_misses_total",
			Help: "Total number of dataset cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "schema", "corrupt", "error"
	)

	// CacheErrors tracks backend failures
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "metadata"
	)

	// CacheStoredBytes tracks the compressed size of the last stored payload
	CacheStoredBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataset_cache_stored_bytes",
			Help: "Compressed size of the most recently stored dataset payload",
		},
	)
)
