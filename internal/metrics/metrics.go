package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/version"
)

// Decision outcomes recorded on throttle_decisions_total.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

type ServerMetrics struct {
	reg         *prometheus.Registry
	handler     http.Handler
	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec

	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// throttle
	decisionsTotal     *prometheus.CounterVec
	firstDeniedTotal   *prometheus.CounterVec
	sweepsTotal        prometheus.Counter
	sweptEntriesTotal  prometheus.Counter
	configErrorsTotal  *prometheus.CounterVec
	policyInfo         *prometheus.GaugeVec
	upstreamErrorTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP and throttle metrics.
// safe labels only (method, route, code, tier) to avoid cardinality explosions;
// client identities never become label values.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_decisions_total",
			Help: "Throttle decisions by tier and outcome",
		}, []string{"tier", "outcome"}),
		firstDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_windows_exhausted_total",
			Help: "Number of windows that hit their limit, by tier",
		}, []string{"tier"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_sweeps_total",
			Help: "Total number of expired-record sweeps",
		}),
		sweptEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throttle_swept_entries_total",
			Help: "Total number of expired records reclaimed by sweeps",
		}),
		configErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_config_errors_total",
			Help: "Requests answered 500 because their route named an unknown tier",
		}, []string{"tier"}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_policy_info",
			Help: "Active throttle policy (labels carry identity, value is always 1)",
		}, []string{"source", "sha256"}),
		upstreamErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Total requests that failed to reach the upstream",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.decisionsTotal,
		m.firstDeniedTotal,
		m.sweepsTotal,
		m.sweptEntriesTotal,
		m.configErrorsTotal,
		m.policyInfo,
		m.upstreamErrorTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
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

// ObserveDecision counts one admission decision for tier.
func (m *ServerMetrics) ObserveDecision(tier string, allowed bool) {
	outcome := OutcomeAllowed
	if !allowed {
		outcome = OutcomeDenied
	}
	m.decisionsTotal.WithLabelValues(tier, outcome).Inc()
}

// IncWindowExhausted counts a (key, window) that just hit its limit.
func (m *ServerMetrics) IncWindowExhausted(tier string) {
	m.firstDeniedTotal.WithLabelValues(tier).Inc()
}

// ObserveSweep records one sweep that reclaimed n records.
func (m *ServerMetrics) ObserveSweep(reclaimed int) {
	m.sweepsTotal.Inc()
	m.sweptEntriesTotal.Add(float64(reclaimed))
}

func (m *ServerMetrics) IncConfigError(tier string) {
	m.configErrorsTotal.WithLabelValues(tier).Inc()
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrorTotal.Inc()
}

func (m *ServerMetrics) SetPolicy(source, sha256 string) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(source, sha256).Set(1)
}

// RegisterStoreSize exposes the live record count as throttle_store_entries.
// Call at most once per registry.
func (m *ServerMetrics) RegisterStoreSize(size func() int) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "throttle_store_entries",
		Help: "Current number of (client, tier) records held by the throttle",
	}, func() float64 { return float64(size()) }))
}
