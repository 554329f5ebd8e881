// Package metrics defines the Prometheus collectors exported on /metrics.
//
// Collectors live in the serving process. Worker processes keep their own
// registries, which are never scraped, so everything here is recorded from
// the parent side of the dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher
	PoolTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgr_pool_tasks_total",
			Help: "Tasks submitted to the worker pool by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: "ok", "error", "broken"
	)

	PoolTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cgr_pool_task_duration_seconds",
			Help:    "Round-trip duration of worker pool tasks",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"kind"},
	)

	PoolHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cgr_pool_healthy",
			Help: "1 when the last health probe succeeded, 0 otherwise",
		},
	)

	PoolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cgr_pool_workers",
			Help: "Number of live worker processes",
		},
	)

	// Recommendation API
	RecommendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgr_recommend_requests_total",
			Help: "Recommend calls by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	RecommendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cgr_recommend_duration_seconds",
			Help:    "End-to-end duration of Recommend calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	EnrichmentDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgr_enrichment_dropped_total",
			Help: "Recommended courses dropped during enrichment",
		},
		[]string{"reason"}, // "not_found", "error"
	)

	// Course lookup cache
	LookupCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cgr_lookup_cache_hits_total",
			Help: "Course lookups answered from the in-memory cache",
		},
	)

	LookupCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cgr_lookup_cache_misses_total",
			Help: "Course lookups that reached the course store",
		},
	)
)

// RecordPoolTask records one completed or failed pool task.
func RecordPoolTask(kind, outcome string, duration time.Duration) {
	PoolTasks.WithLabelValues(kind, outcome).Inc()
	PoolTaskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPoolHealthy records the latest health probe result.
func SetPoolHealthy(healthy bool) {
	if healthy {
		PoolHealthy.Set(1)
		return
	}
	PoolHealthy.Set(0)
}

// RecordRecommend records a Recommend call served over transport ("http" or "grpc").
func RecordRecommend(transport, outcome string, duration time.Duration) {
	RecommendRequests.WithLabelValues(transport, outcome).Inc()
	RecommendDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordEnrichmentDrop records a recommended course removed from a response.
func RecordEnrichmentDrop(reason string) {
	EnrichmentDropped.WithLabelValues(reason).Inc()
}

// RecordLookup records whether a course lookup hit the in-memory cache.
func RecordLookup(hit bool) {
	if hit {
		LookupCacheHits.Inc()
		return
	}
	LookupCacheMisses.Inc()
}
