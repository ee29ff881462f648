// Package metrics provides Prometheus instrumentation for covercheck.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only covercheck metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/covercheck/internal/core"
)

// Metrics holds all Prometheus collectors used by the covercheck server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	DecisionsTotal      *prometheus.CounterVec
	ReasonsTotal        *prometheus.CounterVec
	RulesEvaluated      prometheus.Histogram
	DecisionDuration    prometheus.Histogram
	AuditWriteFailures  prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all covercheck metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covercheck_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covercheck_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covercheck_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "covercheck_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covercheck_eligibility_decisions_total",
			Help: "Total number of eligibility decisions by status.",
		}, []string{"status"}),

		ReasonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "covercheck_eligibility_reasons_total",
			Help: "Total number of reasons attached to eligibility decisions.",
		}, []string{"code", "hard"}),

		RulesEvaluated: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "covercheck_eligibility_rules_evaluated",
			Help:    "Number of rules evaluated per eligibility decision.",
			Buckets: prometheus.LinearBuckets(0, 2, 9),
		}),

		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "covercheck_eligibility_duration_seconds",
			Help:    "Time to reach an eligibility decision in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covercheck_audit_write_failures_total",
			Help: "Total number of eligibility audit records that could not be written.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "covercheck_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.DecisionsTotal,
		m.ReasonsTotal,
		m.RulesEvaluated,
		m.DecisionDuration,
		m.AuditWriteFailures,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency labelled by the matched
// chi route pattern, so path parameters do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// ObserveDecision records the status, reasons, rule count and latency of a
// finished eligibility decision.
func (m *Metrics) ObserveDecision(d core.Decision) {
	m.DecisionsTotal.WithLabelValues(string(d.Status)).Inc()
	for _, r := range d.Reasons {
		m.ReasonsTotal.WithLabelValues(string(r.Code), strconv.FormatBool(r.Hard)).Inc()
	}
	m.RulesEvaluated.Observe(float64(d.RulesEvaluated))
	m.DecisionDuration.Observe(d.Elapsed.Seconds())
}

// IncAuditWriteFailures increments the audit failure counter.
func (m *Metrics) IncAuditWriteFailures() {
	m.AuditWriteFailures.Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
