package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits counts cache lookups that found an entry.
	Hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_cache_hits_total",
		Help: "Total number of CI API response cache hits",
	})

	// Misses counts cache lookups that found nothing.
	Misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_cache_misses_total",
		Help: "Total number of CI API response cache misses",
	})

	// NotModified counts 304 answers served from the cache.
	NotModified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ci_cache_not_modified_total",
		Help: "Total number of 304 Not Modified responses served from cache",
	})

	// Errors counts failed cache operations by operation.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"})
)
