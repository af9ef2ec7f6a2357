package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/strata/internal/inference"
)

// Metrics holds the server's Prometheus collectors on a private registry, so
// several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inflight        *prometheus.GaugeVec
	generatedTokens *prometheus.CounterVec
	promptTokens    *prometheus.CounterVec
	finished        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "strata",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method", "status"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "strata",
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "In-flight HTTP requests",
			},
			[]string{"path"},
		),
		generatedTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "inference",
				Name:      "generated_tokens_total",
				Help:      "Tokens sampled by the engine",
			},
			[]string{"model"},
		),
		promptTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "inference",
				Name:      "prompt_tokens_total",
				Help:      "Prompt tokens, split by whether the KV cache was reused",
			},
			[]string{"model", "kind"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "strata",
				Subsystem: "inference",
				Name:      "completions_total",
				Help:      "Completed inference calls by finish reason",
			},
			[]string{"model", "finish_reason"},
		),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.inflight,
		m.generatedTokens, m.promptTokens, m.finished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the collectors, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware instruments every routed request. The route pattern is used as
// the path label to keep session ids out of the label set.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			m.inflight.WithLabelValues(path).Inc()
			defer m.inflight.WithLabelValues(path).Dec()

			start := time.Now()
			err := next(c)
			status := strconv.Itoa(responseStatus(c, err))
			m.requests.WithLabelValues(path, method, status).Inc()
			m.duration.WithLabelValues(path, method, status).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveResult records the token counts and finish reason of one call.
func (m *Metrics) ObserveResult(model string, res *inference.Result) {
	if m == nil || res == nil {
		return
	}
	m.generatedTokens.WithLabelValues(model).Add(float64(res.Stats.GeneratedTokens))
	m.promptTokens.WithLabelValues(model, "reused").Add(float64(res.Stats.ReusedTokens))
	m.promptTokens.WithLabelValues(model, "evaluated").Add(float64(res.Stats.EvaluatedTokens))
	m.finished.WithLabelValues(model, res.FinishReason).Inc()
}

func responseStatus(c *echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && res.Status != 0 {
		return res.Status
	}
	return http.StatusOK
}
