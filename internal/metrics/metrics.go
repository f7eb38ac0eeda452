// Package metrics exposes Prometheus instrumentation for the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dify_bridge"

// LLMBuckets suit chat completion latencies, from 100ms to 2 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics owns a private registry and the bridge's collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   LLMBuckets,
			},
			[]string{"method", "path"},
		),
		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Calls made to the Dify API by response mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_latency_seconds",
				Help:      "Time until the Dify API answered",
				Buckets:   LLMBuckets,
			},
			[]string{"mode"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Error responses by error type",
			},
			[]string{"type"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Reported or estimated tokens by direction",
			},
			[]string{"direction"},
		),
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Streaming responses currently being relayed",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.backendRequests,
		m.backendLatency,
		m.errors,
		m.tokens,
		m.activeStreams,
	)
	return m
}

// Handler serves the exposition format for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations per route template.
// Requests for /metrics itself are not recorded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || c.Request().URL.Path == "/metrics" {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the response so the final
				// status is known.
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)
			m.httpRequests.WithLabelValues(method, path, status).Inc()
			m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ObserveBackend records one Dify call.
func (m *Metrics) ObserveBackend(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(mode, outcome).Inc()
	m.backendLatency.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// RecordError counts an error response of the given envelope type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// AddTokens adds prompt and completion token counts.
func (m *Metrics) AddTokens(prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokens.WithLabelValues("completion").Add(float64(completion))
	}
}

// StreamStarted marks a stream as active.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamFinished marks a stream as done.
func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
