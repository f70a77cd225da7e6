// Package metrics provides performance tracking and observability for
// pagepool using Prometheus metrics. It offers collectors for the
// allocation fast path (pool hits and misses), fill latency, and the
// shrinker-driven reclaim protocol.
//
// # Basic Usage
//
//	// Record a pool hit on the fill path
//	metrics.PoolHits.WithLabelValues("wc", "3").Inc()
//
//	// Track fill latency
//	start := time.Now()
//	allocator.Fill(ctx, tt, opts)
//	metrics.FillLatency.WithLabelValues("wc").Observe(float64(time.Since(start).Nanoseconds()))
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g. total pool hits)
// Gauge: Values that can go up or down (e.g. pooled pages)
// Histogram: Distribution of values (e.g. fill latency percentiles)
//
// Metrics are designed to have minimal overhead on the allocation path:
// all collectors are pre-registered with promauto and label lookups are
// the only per-operation cost.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolHits tracks fill requests satisfied from a pool free list.
	// Labels: caching (cached/wc/uc/dma), order
	//
	// Example:
	//	metrics.PoolHits.WithLabelValues("wc", "3").Inc()
	PoolHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepool_pool_hits_total",
			Help: "Total fill requests satisfied from a page pool",
		},
		[]string{"caching", "order"},
	)

	// PoolMisses tracks fill requests that fell back to fresh allocation.
	// Labels: caching, order
	PoolMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepool_pool_misses_total",
			Help: "Total fill requests that required a fresh allocation",
		},
		[]string{"caching", "order"},
	)

	// PooledPages tracks the pages currently resident in pools.
	// Labels: caching
	PooledPages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagepool_pooled_pages",
			Help: "Pages currently held in page pools",
		},
		[]string{"caching"},
	)

	// FillLatency tracks the distribution of fill latencies in nanoseconds.
	// The buckets are optimized for sub-millisecond allocation tracking.
	// Labels: caching
	FillLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pagepool_fill_latency_nanoseconds",
			Help: "Fill latency in nanoseconds",
			Buckets: []float64{
				100,    // 100ns - pure pool hits
				1000,   // 1μs - small fills
				10000,  // 10μs - mixed fills
				100000, // 100μs - fresh allocation heavy
				1e6,    // 1ms - attribute transitions
				1e7,    // 10ms - coherent DMA setup
				1e8,    // 100ms - degraded order walks
			},
		},
		[]string{"caching"},
	)

	// FillFailures tracks fills that failed and were unwound.
	// Labels: reason (out_of_memory/mapping_failed)
	FillFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagepool_fill_failures_total",
			Help: "Total failed fills, by failure reason",
		},
		[]string{"reason"},
	)

	// ShrinkFreedPages tracks pages returned to the system by the shrinker
	ShrinkFreedPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagepool_shrink_freed_pages_total",
			Help: "Total pages freed by the shrinker",
		},
	)

	// ShrinkScans tracks invocations of the reclaim entry point
	ShrinkScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagepool_shrink_scans_total",
			Help: "Total shrink scans requested by the memory-pressure subsystem",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
