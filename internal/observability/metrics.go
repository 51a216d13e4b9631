package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus registry and the instruments the control
// plane emits.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	permissionDecisions *prometheus.CounterVec
	approvalTransitions *prometheus.CounterVec
	auditAppends        *prometheus.CounterVec
	chainVerifications  *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base instruments.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clearledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clearledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clearledger_permission_decisions_total",
		Help: "Permission resolution outcomes by result and denial reason.",
	}, []string{"result", "reason"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clearledger_approval_transitions_total",
		Help: "Approval request state transitions by event.",
	}, []string{"event"})
	appends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clearledger_audit_appends_total",
		Help: "Audit ledger append attempts by result.",
	}, []string{"result"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clearledger_chain_verifications_total",
		Help: "Hash chain verification runs by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, decisions, transitions, appends, verifications)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:       requests,
		requestDuration:     duration,
		permissionDecisions: decisions,
		approvalTransitions: transitions,
		auditAppends:        appends,
		chainVerifications:  verifications,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObservePermissionDecision counts one resolution outcome. reason is empty
// for allowed decisions.
func (m *Metrics) ObservePermissionDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
		reason = ""
	}
	m.permissionDecisions.WithLabelValues(result, reason).Inc()
}

// ObserveApprovalTransition counts one approval lifecycle event
// (requested, approved, rejected, expired, cancelled, executed).
func (m *Metrics) ObserveApprovalTransition(event string) {
	if m == nil {
		return
	}
	m.approvalTransitions.WithLabelValues(event).Inc()
}

// ObserveAuditAppend counts one ledger append attempt.
func (m *Metrics) ObserveAuditAppend(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.auditAppends.WithLabelValues(result).Inc()
}

// ObserveChainVerification counts one verification run.
func (m *Metrics) ObserveChainVerification(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.chainVerifications.WithLabelValues(result).Inc()
}

// Registerer exposes the registry for custom instrument registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
