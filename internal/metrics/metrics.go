package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/headerguard/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// gateway metrics
	securityHeadersEmitted *prometheus.CounterVec
	upstreamErrorsTotal    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

func counter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func counterVec(reg prometheus.Registerer, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	reg.MustRegister(c)
	return c
}

func gauge(reg prometheus.Registerer, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

// New builds a private registry with the Go and process collectors plus the
// gateway's own series. Labels stick to method, route pattern, and status so
// raw request paths never become label values.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{reg: reg}

	m.inflight = gauge(reg, "http_inflight_requests",
		"Current number of in-flight HTTP requests")
	m.reqTotal = counterVec(reg, "http_requests_total",
		"Total HTTP requests by method, route, and status",
		"method", "route", "status")
	m.errorsTotal = counterVec(reg, "http_errors_total",
		"Total 5xx HTTP server errors by method and route (SLI)",
		"method", "route")
	m.httpPanicTotal = counter(reg, "http_panic_total",
		"Total number of recovered httpserver panics")

	m.reqDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency by method and route",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})
	m.respBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "Response size by method and route",
		Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
	}, []string{"method", "route"})
	reg.MustRegister(m.reqDur, m.respBytes)

	m.ratelimitDeniedTotal = counter(reg, "http_requests_rate_limited_total",
		"Total requests rejected by rate limiter")
	m.ratelimitCapacityTotal = counter(reg, "http_requests_rate_limited_capacity_total",
		"Total requests rejected because the rate limiter client table was full")

	m.securityHeadersEmitted = counterVec(reg, "security_headers_emitted_total",
		"Total security headers injected into responses, by header name",
		"header")
	m.upstreamErrorsTotal = counter(reg, "proxy_upstream_errors_total",
		"Total failed proxy round trips to the upstream")

	m.buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1)",
	}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"})
	reg.MustRegister(m.buildInfo)
	m.profilingActive = gauge(reg, "profiling_active",
		"Whether continuous profiling is active (1) or disabled/failed (0)")

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

// IncRateLimitCapacity counts requests turned away because the limiter hit
// its client table ceiling rather than a per-IP rate.
func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// IncSecurityHeaderEmitted records one injected header. Wired into the
// header security filter's emit observer.
func (m *ServerMetrics) IncSecurityHeaderEmitted(header string) {
	m.securityHeadersEmitted.WithLabelValues(header).Inc()
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrorsTotal.Inc()
}

// SetBuildInfoFromVersion publishes build identity as a constant-1 gauge.
// Called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
