// Package metrics provides the centralized Prometheus metrics registry for
// the sync engine. All metrics are defined in their respective packages
// (stats, recovery, query, importer, store, cache, ratelimit, remote) to
// maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the sync engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Operation Metrics (pkg/stats):
//   - sync_operations_total{result} (Counter): Sync operations by result (success, failure)
//   - sync_items_total{disposition} (Counter): Items by disposition (created, updated, skipped)
//   - sync_errors_total{category} (Counter): Failures by fault category
//   - sync_api_calls_total (Counter): Remote API calls issued
//   - sync_operation_duration_seconds (Histogram): Per-operation duration
//
// Recovery Metrics (pkg/recovery):
//   - sync_retries_total{category} (Counter): Retry attempts by fault category
//   - sync_retry_backoff_seconds{category} (Histogram): Backoff duration by fault category
//   - sync_retry_exhausted_total{category} (Counter): Operations that exhausted their retry budget
//   - sync_deferred_total{category} (Counter): Operations pushed to the deferred queue
//   - sync_fallbacks_total (Counter): Reads answered by the fallback path
//   - sync_user_intervention_total{category} (Counter): Faults escalated for manual resolution
//   - sync_degraded_mode (Gauge): 1 while degraded mode is active
//
// Query Metrics (pkg/query):
//   - sync_pages_fetched_total (Counter): Result pages fetched
//   - sync_items_fetched_total (Counter): Items fetched across pages
//
// Session Metrics (pkg/importer):
//   - sync_sessions_total{outcome} (Counter): Sessions by outcome (complete, paused, cancelled, error)
//   - sync_chunks_committed_total (Counter): Chunks committed with a checkpoint
//   - sync_session_items (Histogram): Items processed per session run
//
// Durable Store Metrics (pkg/store):
//   - sync_checkpoint_writes_total (Counter): Checkpoint writes
//   - sync_deferred_queue_depth (Gauge): Depth of the deferred operation queue
//   - sync_store_errors_total{operation} (Counter): Store operation errors
//
// Snapshot Cache Metrics (pkg/cache):
//   - sync_item_cache_hits_total (Counter): Snapshot hits
//   - sync_item_cache_misses_total (Counter): Snapshot misses
//   - sync_item_cache_bytes_written_total (Counter): Bytes written to the snapshot cache
//   - sync_item_cache_fallback_total (Counter): Reads served from a snapshot
//   - sync_item_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - sync_rate_limit_remaining (Gauge): Requests remaining in the remote window
//   - sync_rate_limit_blocks_total (Counter): Requests blocked on an exhausted budget
//   - sync_rate_limit_throttles_total (Counter): Requests throttled on a low budget
//
// Remote Request Metrics (pkg/remote):
//   - sync_remote_requests_total{status} (Counter): Tracker API requests by status
//   - sync_remote_request_duration_seconds (Histogram): Tracker API request duration
//   - sync_remote_errors_total{code} (Counter): Tracker API errors by status code
//
// Example Prometheus Queries:
//
//   # Item throughput
//   rate(sync_items_total[5m])
//
//   # Failure rate by category
//   rate(sync_errors_total[5m])
//
//   # Deferred queue growth
//   sync_deferred_queue_depth
//
//   # P95 operation latency
//   histogram_quantile(0.95, rate(sync_operation_duration_seconds_bucket[5m]))
//
//   # Rate limit pressure
//   sync_rate_limit_remaining < 20
