package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/metrics"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *metrics.Collector

	c.Transition("COMPLETED")
	c.ObserveReconcile("inspection_total", 3, false)
	c.Readings(1, 1)
	c.InvoiceCreated("DAMAGE")
	c.InspectionOpened()
}

func TestCollector_ReconcileFallbackCounted(t *testing.T) {
	c := metrics.New("test")

	c.ObserveReconcile("inspection_total", 1, true)
	c.ObserveReconcile("inspection_total", 3, false)

	expected := `
# HELP test_reconcile_fallback_total Reconcile loops that returned a non-converged value
# TYPE test_reconcile_fallback_total counter
test_reconcile_fallback_total{loop="inspection_total"} 1
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "test_reconcile_fallback_total")
	require.NoError(t, err)
}

func TestCollector_Handler(t *testing.T) {
	c := metrics.New("test")
	c.Transition("IN_PROGRESS")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_inspection_transitions_total{to="IN_PROGRESS"} 1`)
}
