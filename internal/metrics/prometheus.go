// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when the proxy is embedded in
// another application. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_upstream_requests_total{op,outcome}
	upstreamRequests *prometheus.CounterVec

	// proxy_upstream_request_duration_seconds{op,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_sse_streams_total{outcome}
	sseStreams *prometheus.CounterVec

	// proxy_sse_events_forwarded_total
	sseEvents prometheus.Counter

	// proxy_catalog_refreshes_total{outcome}
	catalogRefreshes *prometheus.CounterVec

	// proxy_key_transitions_total{op,outcome}
	keyTransitions *prometheus.CounterVec

	// proxy_connection_status — numeric ConnectionStatus code
	connectionStatus prometheus.Gauge

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_requests_total",
				Help: "Total upstream OpenRouter calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_request_duration_seconds",
				Help:    "Upstream OpenRouter call duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"op", "outcome"},
		),

		sseStreams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_sse_streams_total",
				Help: "Streaming chat completions relayed, by terminal outcome",
			},
			[]string{"outcome"},
		),

		sseEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_sse_events_forwarded_total",
			Help: "SSE data events forwarded downstream",
		}),

		catalogRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_catalog_refreshes_total",
				Help: "Model catalog refresh attempts",
			},
			[]string{"outcome"},
		),

		keyTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_key_transitions_total",
				Help: "Key lifecycle operations (ensure, validate, regenerate, revoke)",
			},
			[]string{"op", "outcome"},
		),

		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_connection_status",
			Help: "Connection status code (0=not_configured,1=connecting,2=ready,3=offline,4=error)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamRequests,
		r.upstreamDuration,
		r.sseStreams,
		r.sseEvents,
		r.catalogRefreshes,
		r.keyTransitions,
		r.connectionStatus,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstream records one upstream OpenRouter call.
func (r *Registry) ObserveUpstream(op, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(op, outcome).Inc()
	r.upstreamDuration.WithLabelValues(op, outcome).Observe(dur.Seconds())
}

// RecordStream records a finished SSE relay with its terminal outcome
// (done, upstream_eof, idle_timeout, client_gone, upstream_error).
func (r *Registry) RecordStream(outcome string) {
	r.sseStreams.WithLabelValues(outcome).Inc()
}

// AddStreamEvents adds forwarded SSE event count.
func (r *Registry) AddStreamEvents(n int) {
	if n > 0 {
		r.sseEvents.Add(float64(n))
	}
}

func (r *Registry) RecordCatalogRefresh(ok bool) {
	r.catalogRefreshes.WithLabelValues(outcomeLabel(ok)).Inc()
}

func (r *Registry) RecordKeyTransition(op string, ok bool) {
	r.keyTransitions.WithLabelValues(op, outcomeLabel(ok)).Inc()
}

func (r *Registry) SetConnectionStatus(code int) {
	r.connectionStatus.Set(float64(code))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
