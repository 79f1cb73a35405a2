// Package metrics exposes the Prometheus registry used by the dataset loader.
// All metrics are defined in their respective packages (cache, client,
// pagination, orchestrator, ...) via promauto to avoid circular dependencies.
//
// This package provides the scrape handler and a reference for all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers into via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - dataset_cache_hits_total (Counter): Valid entries served from the cache
//   - dataset_cache_misses_total{reason} (Counter): Misses by reason (absent, expired, schema, corrupt, error)
//   - dataset_cache_errors_total{operation} (Counter): Absorbed storage errors by operation
//   - dataset_cache_stored_bytes (Gauge): Compressed size of the last stored payload
//
// API Metrics (pkg/client, pkg/ratelimit):
//   - dataset_api_requests_total{status} (Counter): Page requests by HTTP status
//   - dataset_api_request_duration_seconds (Histogram): Page request duration
//   - dataset_api_errors_total{class} (Counter): Page errors by class
//   - dataset_api_requests_remaining (Gauge): Remote quota remaining
//   - dataset_api_rate_limit_blocks_total (Counter): Requests held until an exhausted quota resets
//   - dataset_api_rate_limit_paced_total (Counter): Requests paced on low quota
//
// Fetch Metrics (pkg/pagination):
//   - dataset_fetch_pages_total (Counter): Pages received
//   - dataset_fetch_records_total (Counter): Normalized records appended
//   - dataset_fetch_duration_seconds{outcome} (Histogram): complete, failed, cancelled
//   - dataset_fetch_retries_total{error_class} (Counter): Page retry attempts
//   - dataset_fetch_retry_backoff_seconds (Histogram): Wait before a retry
//   - dataset_fetch_retry_exhausted_total{error_class} (Counter): Pages that gave up
//
// Session Metrics (pkg/orchestrator, pkg/scheduler, pkg/activation):
//   - dataset_sessions_total{source} (Counter): Sessions by data source (cache, network)
//   - dataset_session_failures_total (Counter): Sessions ending in a terminal fetch error
//   - dataset_records (Gauge): Records in the current dataset
//   - dataset_scheduler_notifications_total{mode} (Counter): Debounced vs flushed notifications
//   - dataset_consumers_activated_total (Counter): Consumer activations
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(dataset_cache_hits_total[1h])) /
//   (sum(rate(dataset_cache_hits_total[1h])) + sum(rate(dataset_cache_misses_total[1h])))
//
//   # Page Retry Rate
//   rate(dataset_fetch_retries_total[5m]) / rate(dataset_fetch_pages_total[5m])
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(dataset_api_request_duration_seconds_bucket[5m]))
