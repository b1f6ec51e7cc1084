// Package metrics holds the Prometheus collectors for tollgate. A nil
// *Metrics is valid and records nothing, which keeps tests free of wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	authResolutions   *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	usageFailures     prometheus.Counter
	reconcileRuns     *prometheus.CounterVec
	reconcileRows     *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	rateLimited       prometheus.Counter
	registry          *prometheus.Registry
}

// New creates a Metrics instance under namespace (default "tollgate").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tollgate"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.authResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_resolutions_total",
			Help:      "Credential resolutions by tier and outcome code",
		},
		[]string{"tier", "outcome"},
	)
	m.quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota checks by outcome",
		},
		[]string{"outcome"},
	)
	m.usageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_record_failures_total",
		Help:      "Usage or audit writes that failed after a request completed",
	})
	m.reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciler job runs by outcome (ok, skipped, error)",
		},
		[]string{"job", "outcome"},
	)
	m.reconcileRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_rows_total",
			Help:      "Rows touched by reconciler jobs",
		},
		[]string{"job", "action"},
	)
	m.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciler runs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)
	m.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejections_total",
		Help:      "Public tier requests rejected by the daily limiter",
	})

	m.registry.MustRegister(
		m.authResolutions,
		m.quotaDecisions,
		m.usageFailures,
		m.reconcileRuns,
		m.reconcileRows,
		m.reconcileDuration,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AuthResolved(tier, outcome string) {
	if m == nil {
		return
	}
	m.authResolutions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) QuotaDecision(allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "exceeded"
	}
	m.quotaDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UsageRecordFailed() {
	if m == nil {
		return
	}
	m.usageFailures.Inc()
}

// ReconcileRun records one job run. outcome is ok, skipped or error.
func (m *Metrics) ReconcileRun(job, outcome string, counts map[string]int64, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(job, outcome).Inc()
	m.reconcileDuration.WithLabelValues(job).Observe(d.Seconds())
	for action, n := range counts {
		m.reconcileRows.WithLabelValues(job, action).Add(float64(n))
	}
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
