package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection. A nil collector is
// valid and records nothing.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	ledgerTransactionsTotal *prometheus.CounterVec
	ledgerTxDuration        *prometheus.HistogramVec
	ledgerResubmissions     *prometheus.CounterVec
	ledgerBlockHeight       prometheus.Gauge
	grantTransitionsTotal   *prometheus.CounterVec
	phiAccessTotal          *prometheus.CounterVec
	contentOpsTotal         *prometheus.CounterVec
	contentOpDuration       *prometheus.HistogramVec
	cacheLookupsTotal       *prometheus.CounterVec
	retryAttemptsTotal      *prometheus.CounterVec
}

// NewMetricsCollector creates a collector with its own registry
func NewMetricsCollector(serviceName string) *MetricsCollector {
	constLabels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),

		ledgerTransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledger_transactions_total",
			Help:        "Total number of ledger transactions by outcome",
			ConstLabels: constLabels,
		}, []string{"function", "status"}),

		ledgerTxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "ledger_transaction_duration_seconds",
			Help:        "Time from submission to confirmation",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			ConstLabels: constLabels,
		}, []string{"function"}),

		ledgerResubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledger_resubmissions_total",
			Help:        "Transactions resubmitted after a lost acknowledgment",
			ConstLabels: constLabels,
		}, []string{"function"}),

		ledgerBlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ledger_block_height",
			Help:        "Height of the last committed block",
			ConstLabels: constLabels,
		}),

		grantTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "grant_transitions_total",
			Help:        "Confirmed access grant transitions",
			ConstLabels: constLabels,
		}, []string{"action"}),

		phiAccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "phi_access_total",
			Help:        "Provider record dereference attempts",
			ConstLabels: constLabels,
		}, []string{"status"}),

		contentOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "content_store_operations_total",
			Help:        "Content store operations by outcome",
			ConstLabels: constLabels,
		}, []string{"backend", "operation", "status"}),

		contentOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "content_store_operation_duration_seconds",
			Help:        "Duration of content store operations",
			Buckets:     []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0},
			ConstLabels: constLabels,
		}, []string{"backend", "operation"}),

		cacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "read_cache_lookups_total",
			Help:        "Read cache lookups by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		retryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "retry_attempts_total",
			Help:        "Attempts made under the bounded retry policy",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.ledgerTransactionsTotal,
		m.ledgerTxDuration,
		m.ledgerResubmissions,
		m.ledgerBlockHeight,
		m.grantTransitionsTotal,
		m.phiAccessTotal,
		m.contentOpsTotal,
		m.contentOpDuration,
		m.cacheLookupsTotal,
		m.retryAttemptsTotal,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordLedgerTransaction records a confirmed or failed ledger transaction
func (m *MetricsCollector) RecordLedgerTransaction(function, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTransactionsTotal.WithLabelValues(function, status).Inc()
	m.ledgerTxDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordResubmission counts a resubmitted transaction
func (m *MetricsCollector) RecordResubmission(function string) {
	if m == nil {
		return
	}
	m.ledgerResubmissions.WithLabelValues(function).Inc()
}

// SetBlockHeight records the ledger height
func (m *MetricsCollector) SetBlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.ledgerBlockHeight.Set(float64(height))
}

// RecordGrantTransition counts a confirmed grant transition
func (m *MetricsCollector) RecordGrantTransition(action string) {
	if m == nil {
		return
	}
	m.grantTransitionsTotal.WithLabelValues(action).Inc()
}

// RecordPHIAccess records a record dereference attempt
func (m *MetricsCollector) RecordPHIAccess(status string) {
	if m == nil {
		return
	}
	m.phiAccessTotal.WithLabelValues(status).Inc()
}

// RecordContentOperation records a content store call
func (m *MetricsCollector) RecordContentOperation(backend, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.contentOpsTotal.WithLabelValues(backend, operation, status).Inc()
	m.contentOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *MetricsCollector) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordRetryAttempt records one attempt under the retry policy
func (m *MetricsCollector) RecordRetryAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
