/*
Package metrics exposes Prometheus counters for the settlement engine.

Every method is nil-safe, so services run without a Collector in tests.
Each Collector owns its registry; Handler serves that registry only.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	transitions       *prometheus.CounterVec
	reconcileAttempts *prometheus.HistogramVec
	reconcileFallback *prometheus.CounterVec
	readings          *prometheus.CounterVec
	invoices          *prometheus.CounterVec
	inspectionsOpened prometheus.Counter
}

// New creates a collector whose metric names are prefixed with namespace.
func New(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspection_transitions_total",
			Help:      "Inspection status transitions by target status",
		},
		[]string{"to"},
	)
	c.reconcileAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_attempts",
			Help:      "Fetches needed per reconcile loop",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"loop"},
	)
	c.reconcileFallback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_fallback_total",
			Help:      "Reconcile loops that returned a non-converged value",
		},
		[]string{"loop"},
	)
	c.readings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meter_readings_total",
			Help:      "Meter readings submitted on completion by result",
		},
		[]string{"result"},
	)
	c.invoices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_created_total",
			Help:      "Invoices created by kind",
		},
		[]string{"kind"},
	)
	c.inspectionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moveout_inspections_opened_total",
			Help:      "Inspections opened by the move-out scan",
		},
	)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.transitions,
		c.reconcileAttempts,
		c.reconcileFallback,
		c.readings,
		c.invoices,
		c.inspectionsOpened,
	)
	return c
}

// =============================================================================
// DOMAIN METRICS
// =============================================================================

func (c *Collector) Transition(to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
}

// ObserveReconcile matches generic.ReconcileObserver.
func (c *Collector) ObserveReconcile(loop string, attempts int, converged bool) {
	if c == nil {
		return
	}
	c.reconcileAttempts.WithLabelValues(loop).Observe(float64(attempts))
	if !converged {
		c.reconcileFallback.WithLabelValues(loop).Inc()
	}
}

func (c *Collector) Readings(succeeded, failed int) {
	if c == nil {
		return
	}
	c.readings.WithLabelValues("succeeded").Add(float64(succeeded))
	c.readings.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) InvoiceCreated(kind string) {
	if c == nil {
		return
	}
	c.invoices.WithLabelValues(kind).Inc()
}

func (c *Collector) InspectionOpened() {
	if c == nil {
		return
	}
	c.inspectionsOpened.Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request counts and durations per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
