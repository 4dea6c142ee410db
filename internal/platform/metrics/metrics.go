package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the registration service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	InvoicesCreated    prometheus.Counter
	InvoicesExpired    prometheus.Counter
	InvoicesPurged     prometheus.Counter
	ReconcileOutcomes  *prometheus.CounterVec
	RegistryCommits    *prometheus.CounterVec
	RegistryCommitTime prometheus.Histogram
	RegistrySize       prometheus.Gauge
	ProviderErrors     *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
}

// New creates and registers all metrics with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InvoicesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "nip05_invoices_created_total",
			Help: "Invoices issued for paid registrations",
		}),
		InvoicesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "nip05_invoices_expired_total",
			Help: "Awaiting invoices moved to EXPIRED",
		}),
		InvoicesPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "nip05_invoices_purged_total",
			Help: "Terminal invoices removed from the ledger",
		}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nip05_reconcile_outcomes_total",
			Help: "Payment reconciliation results by outcome",
		}, []string{"outcome"}),
		RegistryCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nip05_registry_commits_total",
			Help: "Registry commits by source (paid, direct) and result",
		}, []string{"source", "result"}),
		RegistryCommitTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nip05_registry_commit_duration_seconds",
			Help:    "Time spent committing a binding, including the atomic file replace",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		RegistrySize: f.NewGauge(prometheus.GaugeOpts{
			Name: "nip05_registry_entries",
			Help: "Names currently published",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nip05_provider_errors_total",
			Help: "Payment provider failures by operation",
		}, []string{"operation"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nip05_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"class"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nip05_http_request_duration_seconds",
			Help:    "HTTP handler latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) IncInvoicesCreated() {
	if m != nil {
		m.InvoicesCreated.Inc()
	}
}

func (m *Metrics) AddInvoicesExpired(n int) {
	if m != nil && n > 0 {
		m.InvoicesExpired.Add(float64(n))
	}
}

func (m *Metrics) AddInvoicesPurged(n int) {
	if m != nil && n > 0 {
		m.InvoicesPurged.Add(float64(n))
	}
}

func (m *Metrics) IncReconcileOutcome(outcome string) {
	if m != nil {
		m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveCommit records a registry commit started at start.
func (m *Metrics) ObserveCommit(source, result string, start time.Time) {
	if m == nil {
		return
	}
	m.RegistryCommits.WithLabelValues(source, result).Inc()
	m.RegistryCommitTime.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetRegistrySize(n int) {
	if m != nil {
		m.RegistrySize.Set(float64(n))
	}
}

func (m *Metrics) IncProviderError(operation string) {
	if m != nil {
		m.ProviderErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncRateLimited(class string) {
	if m != nil {
		m.RateLimited.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) ObserveHTTP(route string, status int, start time.Time) {
	if m != nil {
		m.HTTPLatency.WithLabelValues(route, statusClass(status)).Observe(time.Since(start).Seconds())
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
