package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for session counters.
const (
	OutcomeSuccess        = "success"
	OutcomeRequiresReauth = "requires_reauth"
	OutcomeExpired        = "expired"
	OutcomeRevoked        = "revoked"
	OutcomeNotFound       = "not_found"
	OutcomeRaceLost       = "race_lost"
	OutcomeReuseDetected  = "reuse_detected"
	OutcomeInactive       = "inactive"
	OutcomeMalformed      = "malformed"
	OutcomeSignature      = "signature_invalid"
	OutcomeStoreError     = "store_unavailable"
)

// Revocation kinds.
const (
	RevocationKindToken   = "token"
	RevocationKindUser    = "user"
	RevocationKindRefresh = "refresh"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	sessionsIssued  prometheus.Counter
	refreshTotal    *prometheus.CounterVec
	authTotal       *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	purged          prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	sessionsIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_issued_total",
		Help: "Sessions issued after external authentication",
	})

	refreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_refresh_total",
		Help: "Refresh attempts by outcome",
	}, []string{"outcome"})

	authTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authenticate_total",
		Help: "Access token checks by outcome",
	}, []string{"outcome"})

	revocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "revocations_total",
		Help: "Revocations by kind",
	}, []string{"kind"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revocation_entries_purged_total",
		Help: "Expired revocation and refresh records removed by cleanup",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, sessionsIssued, refreshTotal, authTotal, revocations, purged, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		sessionsIssued:  sessionsIssued,
		refreshTotal:    refreshTotal,
		authTotal:       authTotal,
		revocations:     revocations,
		purged:          purged,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// SessionIssued counts a new session.
func (m *MetricsService) SessionIssued() {
	if m == nil {
		return
	}
	m.sessionsIssued.Inc()
}

// RefreshOutcome counts a refresh attempt.
func (m *MetricsService) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

// AuthenticateOutcome counts an access token check.
func (m *MetricsService) AuthenticateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(outcome).Inc()
}

// Revoked counts a revocation of the given kind.
func (m *MetricsService) Revoked(kind string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(kind).Inc()
}

// Purged adds n removed records.
func (m *MetricsService) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
