package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks snapshot cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_item_cache_hits_total",
			Help: "Total number of item snapshot cache hits",
		},
	)

	// CacheMisses tracks snapshot cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_item_cache_misses_total",
			Help: "Total number of item snapshot cache misses",
		},
	)

	// CacheBytesWritten counts bytes written to the snapshot cache. A
	// counter rather than a gauge: entries expire server-side via TTL, so
	// the live size is not observable from here.
	CacheBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_item_cache_bytes_written_total",
			Help: "Total bytes written to the item snapshot cache",
		},
	)

	// FallbackServes tracks reads answered from a snapshot after a live
	// read failed
	FallbackServes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_item_cache_fallback_total",
			Help: "Total reads served from a cached snapshot as fallback",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_item_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete"
	)
)
