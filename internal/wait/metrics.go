package wait

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	waitsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_waits_scheduled_total",
			Help: "Total number of condition-waits scheduled.",
		},
	)

	waitsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_waits_settled_total",
			Help: "Total number of condition-waits settled, by outcome.",
		},
		[]string{"outcome"},
	)

	waitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_wait_duration_seconds",
			Help:    "Time from scheduling a wait to its settlement.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	rerunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_wait_reruns_total",
			Help: "Total number of evaluation attempts issued across all waits.",
		},
	)

	staleDiscards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_wait_stale_results_discarded_total",
			Help: "Evaluation results discarded because a later attempt superseded them or the wait already settled.",
		},
	)
)

func init() {
	prometheus.MustRegister(waitsScheduled)
	prometheus.MustRegister(waitsSettled)
	prometheus.MustRegister(waitDuration)
	prometheus.MustRegister(rerunsTotal)
	prometheus.MustRegister(staleDiscards)
}

// observeSettled records the outcome and total duration of a settled wait.
func observeSettled(err error, d time.Duration) {
	outcome := "resolved"
	var te *TimeoutError
	switch {
	case err == nil:
	case errors.As(err, &te):
		outcome = "timeout"
	case errors.Is(err, ErrDetached):
		outcome = "detached"
	default:
		outcome = "failed"
	}
	waitsSettled.WithLabelValues(outcome).Inc()
	waitDuration.Observe(d.Seconds())
}
