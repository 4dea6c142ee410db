package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncInvoicesCreated()
		m.AddInvoicesExpired(3)
		m.IncReconcileOutcome("committed")
		m.ObserveCommit("paid", "ok", time.Now())
		m.SetRegistrySize(4)
		m.IncProviderError("status")
		m.IncRateLimited("create_invoice")
		m.ObserveHTTP("/health", 200, time.Now())
	})
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncInvoicesCreated()
	m.AddInvoicesExpired(2)
	m.AddInvoicesExpired(0)
	m.IncReconcileOutcome("conflict")
	m.SetRegistrySize(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvoicesCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InvoicesExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileOutcomes.WithLabelValues("conflict")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RegistrySize))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(503))
}
