package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Admission pipeline metrics
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission gate outcomes per gate",
		},
		[]string{"gate", "outcome"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	CSRFFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_failures_total",
			Help: "State-changing requests rejected by the CSRF gate",
		},
		[]string{"reason"},
	)

	SessionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_denials_total",
			Help: "Requests turned away by the session gate",
		},
		[]string{"reason"},
	)

	RateStoreFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_store_fallbacks_total",
			Help: "Shared rate store failures answered by the in-memory fallback",
		},
	)

	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Security events dropped because the audit buffer was full",
		},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Forwarding failures to the wrapped application by kind",
		},
		[]string{"kind"},
	)

	// Database metrics (shared rate store)
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of open database connections",
		},
	)

	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)
