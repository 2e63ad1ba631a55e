// Package metrics exposes the Prometheus registry shared by bulkquery.
// All metrics are defined in their respective packages (engine, retry,
// ratelimit, checkpoint, cache, provider, server) to maintain modularity and
// avoid circular dependencies.
//
// This package provides the scrape handler and a reference of all available
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by bulkquery.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Engine Metrics (pkg/engine):
//   - bulkquery_dispatches_total{outcome} (Counter): Dispatch attempts by outcome
//   - bulkquery_dispatch_duration_seconds (Histogram): Duration of single dispatch attempts
//   - bulkquery_items_total{state} (Counter): Work items by final state
//
// Retry Metrics (pkg/retry):
//   - bulkquery_retries_total{error_class} (Counter): Retry attempts by error class
//   - bulkquery_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - bulkquery_retry_exhausted_total{error_class} (Counter): Items that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - bulkquery_limiter_wait_seconds{limiter} (Histogram): Time spent waiting for a dispatch slot
//   - bulkquery_limiter_in_flight{limiter} (Gauge): Dispatch slots currently held
//   - bulkquery_quota_cooldowns_total{scope} (Counter): Shared cooldowns started by quota signals
//   - bulkquery_quota_requests_remaining{scope} (Gauge): Last request budget reported upstream
//
// Checkpoint Metrics (pkg/checkpoint):
//   - bulkquery_checkpoint_appends_total (Counter): Records appended to the log
//   - bulkquery_checkpoint_errors_total{operation} (Counter): Checkpoint I/O errors
//   - bulkquery_checkpoint_malformed_lines_total (Counter): Malformed lines skipped on load
//
// Cache Metrics (pkg/cache):
//   - bulkquery_cache_hits_total{provider} (Counter): Response cache hits
//   - bulkquery_cache_misses_total{provider} (Counter): Response cache misses
//   - bulkquery_cache_stored_bytes{provider} (Counter): Bytes written to the cache
//   - bulkquery_cache_errors_total{operation} (Counter): Cache operation errors
//
// Provider Metrics (pkg/provider):
//   - bulkquery_provider_requests_total{provider, operation, status} (Counter): Provider HTTP requests
//   - bulkquery_provider_request_duration_seconds{provider, operation} (Histogram): Provider request duration
//
// Status Server Metrics (pkg/server):
//   - bulkquery_http_requests_total{method, path, status} (Counter): Status server requests
//   - bulkquery_http_request_duration_seconds{method, path} (Histogram): Status server request duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(bulkquery_cache_hits_total[5m])) /
//   (sum(rate(bulkquery_cache_hits_total[5m])) + sum(rate(bulkquery_cache_misses_total[5m])))
//
//   # Throughput of recorded items
//   sum(rate(bulkquery_items_total[1m]))
//
//   # Retry Rate by class
//   sum by (error_class) (rate(bulkquery_retries_total[5m]))
//
//   # P95 Dispatch Latency
//   histogram_quantile(0.95, rate(bulkquery_dispatch_duration_seconds_bucket[5m]))
