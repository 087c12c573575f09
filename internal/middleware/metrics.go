package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status", "tenant_id", "model"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id", "model"},
	)

	llmTokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_token_usage_total",
			Help: "Total number of LLM tokens processed",
		},
		[]string{"tenant_id", "family", "type"},
	)

	admissionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_wait_seconds",
			Help:    "Time spent waiting for rate-limit admission",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"family", "outcome"},
	)

	upstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Upstream attempts beyond the first",
		},
		[]string{"family"},
	)

	modelDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_downgrades_total",
			Help: "Requests rewritten to a fallback model",
		},
		[]string{"from", "to"},
	)
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			tenantID = "unknown"
		}
		model := c.GetString("model")
		if model == "" {
			model = "unknown"
		}

		httpRequestsTotal.WithLabelValues(method, status, tenantID, model).Inc()
		httpRequestDuration.WithLabelValues(tenantID, model).Observe(duration)
	}
}

// RecordTokenUsage allows other packages to record token metrics
func RecordTokenUsage(tenantID, family string, inputTokens, outputTokens int) {
	llmTokenUsage.WithLabelValues(tenantID, family, "input").Add(float64(inputTokens))
	llmTokenUsage.WithLabelValues(tenantID, family, "output").Add(float64(outputTokens))
}

// RecordAdmissionWait records how long a request waited for admission and
// how the wait ended.
func RecordAdmissionWait(family, outcome string, seconds float64) {
	admissionWait.WithLabelValues(family, outcome).Observe(seconds)
}

// RecordRetries counts upstream attempts beyond the first for the family.
func RecordRetries(family string, n int) {
	if n > 0 {
		upstreamRetries.WithLabelValues(family).Add(float64(n))
	}
}

// RecordDowngrade counts a forbidden-model rewrite.
func RecordDowngrade(from, to string) {
	modelDowngrades.WithLabelValues(from, to).Inc()
}
