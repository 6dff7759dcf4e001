// Package metrics provides internal Prometheus metrics collection for
// the dispatch engine and its HTTP surface. Internal; not meant to be
// imported outside this module.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus metric the gateway exports.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec

	circuitState   *prometheus.GaugeVec
	activeRequests *prometheus.GaugeVec
	queueDepth     prometheus.Gauge
	rateBucketFree *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates and registers every gateway metric under
// namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "llm_requests_total", Help: "Total number of LLM completion requests"},
		[]string{"provider", "model", "status"},
	)
	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "llm_request_duration_seconds", Help: "LLM request duration in seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"provider", "model"},
	)
	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "llm_tokens_used_total", Help: "Total tokens used"},
		[]string{"provider", "model", "type"},
	)
	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "llm_cost_total", Help: "Total LLM cost in USD"},
		[]string{"provider", "model"},
	)

	c.circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "Circuit breaker state: 0=closed, 1=half_open, 2=open"},
		[]string{"provider"},
	)
	c.activeRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "active_requests", Help: "In-flight adapter invocations per provider"},
		[]string{"provider"},
	)
	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_queue_depth", Help: "Requests currently queued for rate-limited dispatch"},
	)
	c.rateBucketFree = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "rate_bucket_tokens_free", Help: "Remaining tokens in a provider's rate limit bucket"},
		[]string{"provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLLMRequest records one completed (successful or failed)
// adapter invocation.
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// SetCircuitState publishes a provider's current breaker state.
func (c *Collector) SetCircuitState(provider string, state int) {
	c.circuitState.WithLabelValues(provider).Set(float64(state))
}

// SetActiveRequests publishes a provider's current in-flight count.
func (c *Collector) SetActiveRequests(provider string, n int) {
	c.activeRequests.WithLabelValues(provider).Set(float64(n))
}

// SetQueueDepth publishes the pending queue's current length.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetRateBucketFree publishes a provider's current remaining tokens.
func (c *Collector) SetRateBucketFree(provider string, tokens int) {
	c.rateBucketFree.WithLabelValues(provider).Set(float64(tokens))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
