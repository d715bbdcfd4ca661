package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by region ID
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"region"},
	)

	// CacheMisses tracks lookups that found no entry in any region
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "safety_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheWrites tracks stored entries by region ID
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_cache_writes_total",
			Help: "Total number of responses written to the cache",
		},
		[]string{"region"},
	)

	// RegionsDeleted tracks regions dropped on version rollover
	RegionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "safety_cache_regions_deleted_total",
			Help: "Total number of cache regions deleted",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "regions", "scan", "delete_region"
	)
)
