package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	sessionOpsTotal    *prometheus.CounterVec
	intentOpsTotal     *prometheus.CounterVec
	fillsTotal         *prometheus.CounterVec
	callbacksTotal     *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerhorse_session_operations_total",
		Help: "Session operations by operation and outcome",
	}, []string{"op", "status"})

	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerhorse_intent_operations_total",
		Help: "Deposit intent operations by operation and outcome",
	}, []string{"op", "status"})

	fills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerhorse_relayer_fills_total",
		Help: "Off-chain fills submitted by the relayer",
	}, []string{"status"})

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerhorse_bridge_callbacks_total",
		Help: "Bridge callbacks processed",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerhorse_retry_attempts_total",
		Help: "Retry attempts for callback execution",
	}, []string{"result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powerhorse_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerhorse_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(sessions, intents, fills, callbacks, retries, duration, dlq)

	return &metricsRegistry{
		registry:           r,
		sessionOpsTotal:    sessions,
		intentOpsTotal:     intents,
		fillsTotal:         fills,
		callbacksTotal:     callbacks,
		retryAttemptsTotal: retries,
		requestDuration:    duration,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSession(op, status string) {
	m.sessionOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incIntent(op, status string) {
	m.intentOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incFill(status string) {
	m.fillsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incCallback(status string) {
	m.callbacksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeRequest(route string, code int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(route, http.StatusText(code)).Observe(elapsed.Seconds())
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
