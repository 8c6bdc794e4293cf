package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convergectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	stepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Name:      "step_total",
			Help:      "Finished remedial steps by kind and final state.",
		},
		[]string{"kind", "state"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "convergectl",
			Name:      "step_duration_seconds",
			Help:      "Remedial step duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"kind"},
	)
	planTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Name:      "plan_total",
			Help:      "Archived plans by final state.",
		},
		[]string{"state"},
	)
	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convergectl",
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by outcome.",
		},
		[]string{"outcome"},
	)
)

const (
	PassOutcomeConverged   = "converged"
	PassOutcomePlanned     = "planned"
	PassOutcomeUnavailable = "unavailable"
	PassOutcomeIdle        = "idle"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, stepTotal, stepDuration, planTotal, reconcilePasses)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordStep(kind, state string, duration time.Duration) {
	RegisterMetrics()
	stepTotal.WithLabelValues(kind, state).Inc()
	stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordPlan(state string) {
	RegisterMetrics()
	planTotal.WithLabelValues(state).Inc()
}

func RecordReconcilePass(outcome string) {
	RegisterMetrics()
	reconcilePasses.WithLabelValues(outcome).Inc()
}
