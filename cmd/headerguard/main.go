package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/headerguard/internal/cfg"
	"github.com/keithlinneman/headerguard/internal/headersec"
	"github.com/keithlinneman/headerguard/internal/health"
	"github.com/keithlinneman/headerguard/internal/httpmw"
	"github.com/keithlinneman/headerguard/internal/httpserver"
	"github.com/keithlinneman/headerguard/internal/log"
	"github.com/keithlinneman/headerguard/internal/metrics"
	"github.com/keithlinneman/headerguard/internal/opshttp"
	"github.com/keithlinneman/headerguard/internal/otelx"
	"github.com/keithlinneman/headerguard/internal/prof"
	"github.com/keithlinneman/headerguard/internal/proxy"
	"github.com/keithlinneman/headerguard/internal/ratelimit"
	v "github.com/keithlinneman/headerguard/internal/version"
)

const (
	appName   = "headerguard"
	envPrefix = "HEADERGUARD_"

	// How long to keep answering load balancer health checks as not-ready
	// before closing listeners. A second signal skips the wait.
	drainPeriod = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()
	conf, showVersion := parseConfig()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	L, err := newLogger(conf, vi.Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// A no-op for the slog backend, but keeps the shutdown path correct if
	// the backend ever buffers.
	defer L.Sync()
	ctx = log.WithContext(ctx, L)
	logStartup(ctx, L, conf, vi)

	// Continuous profiling. Failure to reach the pyroscope server is not
	// fatal; the gateway serves traffic either way.
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "gateway",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Tracing. The collector sits on localhost, hence Insecure.
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "gateway",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "gateway", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Compile the header filter. Validate already proved the config good,
	// but a failure here must still stop startup, never run headerless.
	filter, err := buildFilter(conf)
	if err != nil {
		L.Error(ctx, err, "header filter init failed")
		os.Exit(1)
	}
	L.Info(ctx, "header filter compiled",
		"hsts_value", filter.HSTSValue(),
		"frame_options_value", filter.FrameOptionsValue(),
	)

	upstream, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		L.Error(ctx, err, "invalid upstream url", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}
	upstreamProxy := proxy.New(upstream, proxy.WithOnError(m.IncUpstreamError))

	// Readiness flips to 503 when the gate closes at shutdown.
	var gate health.ShutdownGate
	readiness := gate.Probe()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnCapacity(m.IncRateLimitCapacity),
		// One log line per offending ip per eviction cycle, the counter
		// above carries the full volume.
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
	)

	gatewayStop, err := httpserver.Start(ctx, &httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Filter:       filter,
		OnHeaderEmit: m.IncSecurityHeaderEmitted,
		Upstream:     upstreamProxy,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		Logger:       L,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gatewayStop(context.Background()) }()

	// Admin listener for metrics, health checks, and pprof. The security
	// group should already restrict it to monitoring infra; the server
	// additionally rejects public source addresses in case that rule is
	// ever misconfigured.
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// Not fatal. Under Type=notify systemd would eventually kill us,
		// anywhere else there is no socket and nothing to tell.
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// Close the readiness gate first so load balancers stop sending new
	// connections, then sit out the drain period before tearing down.
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", drainPeriod)
	waitDrain(L)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gatewayStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// parseConfig binds flags, parses the command line, and layers env vars
// under any flag not given explicitly. Precedence: flag > env > default.
func parseConfig() (cfg.App, bool) {
	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	return conf, showVersion
}

func newLogger(conf cfg.App, version string) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		return nil, err
	}
	return lg.With("component", "gateway"), nil
}

func logStartup(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) {
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
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"hsts_enabled", conf.HSTSEnabled,
		"hsts_max_age", conf.HSTSMaxAgeSeconds,
		"hsts_include_subdomains", conf.HSTSIncludeSubDomains,
		"anti_clickjacking_enabled", conf.AntiClickJackingEnabled,
		"anti_clickjacking_option", conf.AntiClickJackingOption,
		"anti_clickjacking_uri", conf.AntiClickJackingURI,
	)
}

func buildFilter(conf cfg.App) (*headersec.Filter, error) {
	fc, err := conf.FilterConfig()
	if err != nil {
		return nil, err
	}
	return headersec.New(fc)
}

// waitDrain sleeps for the drain period, or returns early if a second
// interrupt arrives.
func waitDrain(L log.Logger) {
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// notifySystemd reports readiness over NOTIFY_SOCKET when running under
// systemd with Type=notify. Returns an error everywhere else.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
