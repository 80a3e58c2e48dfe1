package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tokensIssued    *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	tokenVerifyFail *prometheus.CounterVec
	accessDecisions *prometheus.CounterVec

	auditDegraded      prometheus.Gauge
	auditWriteFailures prometheus.Counter
	auditQueueDepth    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on a fresh registry
// together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Token pairs issued, by reason.",
		}, []string{"reason"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Refresh attempts, by outcome.",
		}, []string{"outcome"}),
		tokenVerifyFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_verify_failures_total",
			Help: "Access token verification failures, by error type.",
		}, []string{"type"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Permission checks, by result and gate.",
		}, []string{"granted", "gate"}),
		auditDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_degraded",
			Help: "1 while critical audit events cannot be persisted.",
		}),
		auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit events that failed to persist.",
		}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Audit events waiting in the worker buffer.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.tokensIssued, m.tokenRefreshes, m.tokenVerifyFail, m.accessDecisions,
		m.auditDegraded, m.auditWriteFailures, m.auditQueueDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument measures in-flight requests, counts and latency per chi route pattern
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(sw.code)

		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// TokenIssued counts an issued pair. reason is login, refresh, mfa or sso.
func (m *Metrics) TokenIssued(reason string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(reason).Inc()
}

// TokenRefresh counts a refresh outcome
func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// TokenVerifyFailed counts a failed verification by error type
func (m *Metrics) TokenVerifyFailed(errType string) {
	if m == nil {
		return
	}
	m.tokenVerifyFail.WithLabelValues(errType).Inc()
}

// AccessDecision counts an evaluator decision. gate is empty on grants.
func (m *Metrics) AccessDecision(granted bool, gate string) {
	if m == nil {
		return
	}
	if gate == "" {
		gate = "none"
	}
	m.accessDecisions.WithLabelValues(strconv.FormatBool(granted), gate).Inc()
}

// SetAuditDegraded flips the audit_degraded gauge
func (m *Metrics) SetAuditDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.auditDegraded.Set(1)
	} else {
		m.auditDegraded.Set(0)
	}
}

// AuditWriteFailed counts a failed audit write
func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}

// SetAuditQueueDepth records the current buffer depth
func (m *Metrics) SetAuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(n))
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
