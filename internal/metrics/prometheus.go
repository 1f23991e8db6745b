// Package metrics provides a Prometheus metrics registry for the bridge.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// bridge_inflight_requests
	inFlight prometheus.Gauge

	// bridge_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// bridge_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// bridge_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// bridge_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// bridge_upstream_requests_total{route,outcome}
	upstreamRequests *prometheus.CounterVec

	// bridge_upstream_request_duration_seconds{route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// bridge_stream_frames_total{route}
	streamFrames *prometheus.CounterVec

	// bridge_stream_terminations_total{reason}
	streamTerminations *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// bridge_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// bridge_tokens_total{route,direction,cache}
	tokensTotal *prometheus.CounterVec

	// bridge_upstream_health
	upstreamHealth prometheus.Gauge

	// bridge_build_info{version}
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
			Name: "bridge_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the bridge",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests handled by the bridge",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_upstream_requests_total",
				Help: "Total outbound completion calls",
			},
			[]string{"route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_upstream_request_duration_seconds",
				Help:    "Outbound completion call duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route", "outcome"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_stream_frames_total",
				Help: "Reply frames written on streaming responses, terminal markers excluded",
			},
			[]string{"route"},
		),

		streamTerminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_stream_terminations_total",
				Help: "Streaming sessions terminated, by reason",
			},
			[]string{"reason"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"route", "direction", "cache"},
		),

		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_upstream_health",
			Help: "Upstream health status (1=ok, 0=degraded)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamRequests,
		r.upstreamDuration,
		r.streamFrames,
		r.streamTerminations,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.tokensTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstream records one outbound completion call.
func (r *Registry) ObserveUpstream(route, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(route, outcome).Observe(dur.Seconds())
}

// RecordStream records a finished streaming session.
func (r *Registry) RecordStream(route, reason string, frames int) {
	r.streamFrames.WithLabelValues(route).Add(float64(frames))
	r.streamTerminations.WithLabelValues(reason).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(route string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(route, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(route, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(route, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetUpstreamHealth(ok bool) {
	if ok {
		r.upstreamHealth.Set(1)
		return
	}
	r.upstreamHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
