// Package metrics defines Prometheus collectors of the rotor allocator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for rotor metrics.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors of pool.Pool allocation metrics.
var (
	AllocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rotor_allocations_total",
		Help: "Cumulative number of item allocation attempts.",
	}, []string{"status"})
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_evictions_total",
		Help: "Cumulative number of items retired from rotation on reaching their usage limit.",
	})
	ResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_resets_total",
		Help: "Cumulative number of full pool resets triggered by exhaustion.",
	})
	SnapshotFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotor_snapshot_failures_total",
		Help: "Cumulative number of failed usage snapshot writes.",
	})
	AllocateDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rotor_allocate_duration_seconds",
		Help:    "Duration of Allocate operations, including lock acquisition.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// RotorCollectors lists collectors used by the rotor server.
func RotorCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		AllocationsTotal,
		EvictionsTotal,
		ResetsTotal,
		SnapshotFailuresTotal,
		AllocateDurationSeconds,
	}
}
