package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/policy"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/prof"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/proxy"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-throttle/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"policy_source", conf.PolicySource,
		"policy_pinned", conf.PolicySHA256 != "",
		"sweep_threshold", conf.SweepThreshold,
		"identity_fallback_remote_addr", conf.IdentityFallback,
		"trusted_hops", conf.TrustedHops,
		"rate_limit_headers", conf.RateLimitHeaders,
		"drain_seconds", conf.DrainSeconds,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Load the throttle policy before tracing so the resource can name it
	pol, err := policy.Load(ctx, conf.PolicySource, policy.LoaderOptions{
		Logger:       L,
		ExpectSHA256: conf.PolicySHA256,
	})
	if err != nil {
		L.Error(ctx, err, "failed to load throttle policy", "policy_source", conf.PolicySource)
		os.Exit(1)
	}

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"throttle.policy.source": pol.Source,
			"throttle.policy.sha256": pol.SHA256,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)
	m.SetPolicy(pol.Source, pol.SHA256)

	// flag wins over the policy document
	sweepThreshold := conf.SweepThreshold
	if sweepThreshold <= 0 {
		sweepThreshold = pol.SweepThreshold
	}

	logDenial := ratelimit.LogDenials(L, conf.DenialLogsPerSecond, conf.DenialLogBurst)
	th, err := ratelimit.New(pol.ThrottleTiers(),
		ratelimit.WithSweepThreshold(sweepThreshold),
		ratelimit.WithOnSweep(func(reclaimed, remaining int) {
			m.ObserveSweep(reclaimed)
		}),
		// log once per offender per window, count every exhausted window
		ratelimit.WithOnFirstDenied(func(key, tier string) {
			m.IncWindowExhausted(tier)
			logDenial(key, tier)
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to build throttle from policy", "policy_source", pol.Source)
		os.Exit(1)
	}
	if err := m.RegisterStoreSize(th.Len); err != nil {
		L.Error(ctx, err, "failed to register throttle store gauge")
	}

	routes, err := pol.RouteTable()
	if err == nil {
		err = routes.Validate(th.HasTier)
	}
	if err != nil {
		L.Error(ctx, err, "invalid throttle route table", "policy_source", pol.Source)
		os.Exit(1)
	}

	mwOpts := []ratelimit.MiddlewareOption{
		ratelimit.WithOnDecision(func(tier string, d ratelimit.Decision) {
			m.ObserveDecision(tier, d.Allowed)
		}),
		ratelimit.WithOnConfigError(func(tier string, err error) {
			m.IncConfigError(tier)
		}),
	}
	if !conf.RateLimitHeaders {
		mwOpts = append(mwOpts, ratelimit.WithoutRateLimitHeaders())
	}

	L.Info(ctx, "throttle ready",
		"policy_source", pol.Source,
		"policy_sha256", pol.SHA256,
		"tiers", th.Tiers(),
		"routes", len(routes.Routes()),
		"sweep_threshold", th.SweepThreshold(),
	)

	// Setup upstream
	upstream, err := proxy.New(proxy.Options{
		Upstream: conf.UpstreamURL,
		OnError:  m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "invalid upstream", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}
	if conf.UpstreamURL == "" {
		L.Warn(ctx, "no upstream configured, admitted requests will get 404")
	}

	identity := pol.ClientIdentityOptions()
	if conf.IdentityFallback {
		identity.FallbackToRemoteAddr = true
	}
	if conf.TrustedHops >= 0 {
		identity.TrustedHops = conf.TrustedHops
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Named("throttle", health.CheckFunc(func(context.Context) error {
			return routes.Validate(th.HasTier)
		})),
	)

	// start gateway http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:         L,
		Port:           conf.HTTPPort,
		UseRecoverMW:   true,
		OnPanic:        m.IncHttpPanic,
		MetricsMW:      m.Middleware,
		Health:         health.Fixed(true, ""),
		Readiness:      readiness,
		ClientIdentity: identity,
		ThrottleMW:     th.Middleware(routes, mwOpts...),
		Upstream:       upstream,
		MaxBodyBytes:   conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener rejects public peers in middleware in case the
	// security group is ever opened up
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Status: func() any {
			return throttleStatus{
				PolicySource:   pol.Source,
				PolicySHA256:   pol.SHA256,
				Tiers:          th.Tiers(),
				Entries:        th.Len(),
				SweepThreshold: th.SweepThreshold(),
				Upstream:       conf.UpstreamURL,
				Draining:       gate.Draining(),
			}
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	drain := time.Duration(conf.DrainSeconds) * time.Second
	L.Info(context.Background(), "shutdown gate closed, draining", "drain", drain.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	reclaimed := th.Sweep()
	L.Info(context.Background(), "shutdown complete",
		"throttle_entries", th.Len(),
		"throttle_expired", reclaimed,
	)
}

// throttleStatus is served at /-/throttle on the admin port.
type throttleStatus struct {
	PolicySource   string   `json:"policy_source"`
	PolicySHA256   string   `json:"policy_sha256"`
	Tiers          []string `json:"tiers"`
	Entries        int      `json:"entries"`
	SweepThreshold int      `json:"sweep_threshold"`
	Upstream       string   `json:"upstream,omitempty"`
	Draining       bool     `json:"draining"`
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
