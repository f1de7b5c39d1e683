// Package metrics registers the Prometheus counters/histograms served on
// the -D metrics endpoint, the same way pkg/recutil/reconcile.go registers
// reconcileErrorsTotal: package-level CounterVec/HistogramVec values,
// MustRegister'd in an init() against the default registry that
// promhttp.Handler() serves.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rconfd_passes_total",
			Help: "Counter of manifestation passes, labelled by outcome",
		},
		[]string{"outcome"},
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rconfd_fetches_total",
			Help: "Counter of secret back-end fetches, labelled by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	FetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rconfd_fetch_duration_seconds",
			Help:    "Duration of secret back-end fetches, labelled by backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	HooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rconfd_hooks_total",
			Help: "Counter of hook command invocations, labelled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(PassesTotal, FetchesTotal, FetchDurationSeconds, HooksTotal)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveFetch records the outcome and duration of one back-end fetch.
func ObserveFetch(backend string, start time.Time, err error) {
	FetchesTotal.WithLabelValues(backend, outcomeOf(err)).Inc()
	FetchDurationSeconds.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

// ObservePass records the outcome of one manifestation pass.
func ObservePass(anySucceeded bool) {
	outcome := "success"
	if !anySucceeded {
		outcome = "failed"
	}
	PassesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHook records the outcome of one hook invocation. kind is
// "modified" or "ready".
func ObserveHook(kind string, err error) {
	HooksTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
}
