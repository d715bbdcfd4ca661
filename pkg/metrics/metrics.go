// Package metrics exposes the Prometheus registry of the proxy. Metrics are
// defined next to the code that updates them and registered through
// promauto; this package documents them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer promauto uses in every package.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the gathered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metric catalogue
//
// Cache (pkg/cache):
//   - safety_cache_hits_total{region} (Counter): entries served from a region
//   - safety_cache_misses_total (Counter): lookups found in no region
//   - safety_cache_writes_total{region} (Counter): entries stored
//   - safety_cache_regions_deleted_total (Counter): regions removed on upgrade
//   - safety_cache_errors_total{operation} (Counter): storage failures
//
// Network (pkg/client, pkg/connectivity):
//   - safety_fetch_total{method, outcome} (Counter): network calls by outcome
//   - safety_fetch_duration_seconds{method} (Histogram)
//   - safety_connectivity_online (Gauge): 1 while the network is reachable
//   - safety_connectivity_transitions_total{to, source} (Counter)
//
// Routing (pkg/router):
//   - safety_router_requests_total{class, served_by} (Counter)
//   - safety_router_cache_write_failures_total (Counter)
//
// Offline queue and sync (pkg/queue, pkg/syncer):
//   - safety_queue_items{priority} (Gauge): items waiting for replay
//   - safety_queue_operations_total{operation, result} (Counter)
//   - safety_sync_attempts_total{priority, outcome} (Counter)
//   - safety_sync_backoff_seconds (Histogram): delay scheduled after a failure
//   - safety_sync_passes_total{trigger} (Counter)
//
// Lifecycle and notifications (pkg/lifecycle, pkg/notify, pkg/events):
//   - safety_lifecycle_upgrades_total{result} (Counter)
//   - safety_lifecycle_upgrade_duration_seconds (Histogram)
//   - safety_lifecycle_ready (Gauge): 1 once a version is active
//   - safety_emergency_mode (Gauge)
//   - safety_notices_total{kind, result} (Counter)
//   - safety_events_dropped_total{type} (Counter): events a full subscriber missed
//
// Example queries:
//
//	# Share of requests answered without the network
//	sum(rate(safety_router_requests_total{served_by!="network"}[5m]))
//	  / sum(rate(safety_router_requests_total[5m]))
//
//	# Writes waiting for replay
//	sum(safety_queue_items)
//
//	# Items that gave up
//	increase(safety_sync_attempts_total{outcome="failed"}[1h])
