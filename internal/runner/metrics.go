package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks delivery outcomes. Each SDK instance registers on its own
// registerer so two clients in one process cannot collide.
type Metrics struct {
	processed *prometheus.CounterVec
	dropped   prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetrics creates delivery metrics on reg. A nil reg registers on a
// private throwaway registry, effectively disabling export.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		processed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tasks_processed_total",
				Help: "Task attempts by outcome (success, failure, retried)",
			},
			[]string{"status"},
		),
		dropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_tasks_dropped_total",
				Help: "Tasks dropped after exceeding retry limits",
			},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_task_processing_duration_seconds",
				Help:    "Histogram of single-attempt processing durations",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
