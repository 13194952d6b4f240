// Package cfg holds the gateway's flag-bound configuration and its
// startup validation.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/headerguard/internal/headersec"
	"github.com/keithlinneman/headerguard/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	UpstreamURL    string
	TrustedHops    int
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int

	HSTSEnabled             bool
	HSTSMaxAgeSeconds       int
	HSTSIncludeSubDomains   bool
	AntiClickJackingEnabled bool
	AntiClickJackingOption  string
	AntiClickJackingURI     string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	// process
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")

	// observability
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	// proxy
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "origin server to proxy to (http[s]://host[:port])")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies in front of this one (0 = none)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max accepted request body size in bytes")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-IP sustained requests per second")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-IP burst ceiling")

	// security headers
	fs.BoolVar(&c.HSTSEnabled, "hsts-enabled", true, "emit Strict-Transport-Security on secure requests")
	fs.IntVar(&c.HSTSMaxAgeSeconds, "hsts-max-age", 0, "HSTS max-age in seconds (negative values are treated as 0)")
	fs.BoolVar(&c.HSTSIncludeSubDomains, "hsts-include-subdomains", false, "add includeSubDomains to the HSTS value")
	fs.BoolVar(&c.AntiClickJackingEnabled, "anti-clickjacking-enabled", true, "emit X-Frame-Options on responses")
	fs.StringVar(&c.AntiClickJackingOption, "anti-clickjacking-option", "DENY", "DENY|SAMEORIGIN|ALLOW-FROM (case-insensitive)")
	fs.StringVar(&c.AntiClickJackingURI, "anti-clickjacking-uri", "", "framing origin URI, required for ALLOW-FROM")
}

// envKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func envKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	fromCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { fromCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if fromCLI[f.Name] {
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			// Roll back so a half-parsed value never sticks.
			fs.Set(f.Name, prev)
			logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
		}
	})
}

// FilterConfig maps the flag-level fields onto a headersec.Config.
// The option string is validated by headersec.New, not here.
func (c App) FilterConfig() (headersec.Config, error) {
	opt, err := headersec.ParseFrameOption(c.AntiClickJackingOption)
	if err != nil {
		return headersec.Config{}, err
	}
	return headersec.Config{
		HSTSEnabled:             c.HSTSEnabled,
		HSTSMaxAgeSeconds:       c.HSTSMaxAgeSeconds,
		HSTSIncludeSubDomains:   c.HSTSIncludeSubDomains,
		AntiClickJackingEnabled: c.AntiClickJackingEnabled,
		AntiClickJackingOption:  opt,
		AntiClickJackingURI:     c.AntiClickJackingURI,
	}, nil
}

func validPort(n int) bool { return n >= 1 && n <= 65535 }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Ports
	if !validPort(c.HTTPPort) {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		// The gRPC exporter wants host:port, no scheme.
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			bad("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		switch u, err := url.Parse(c.PyroServer); {
		case c.PyroServer == "":
			bad("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		case err != nil, u.Scheme == "", u.Host == "":
			bad("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	// Upstream origin
	if c.UpstreamURL == "" {
		bad("UPSTREAM_URL is required")
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("UPSTREAM_URL must be http[s]://host[:port] (got %q)", c.UpstreamURL)
	}

	if c.TrustedHops < 0 {
		bad("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}
	if c.MaxBodyBytes < 1 {
		bad("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes)
	}
	if c.RateLimitRPS <= 0 {
		bad("RATE_LIMIT_RPS must be > 0 (got %.3f)", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		bad("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst)
	}

	// Header filter config is fail-fast: a bad option or missing
	// ALLOW-FROM URI must stop startup, never degrade to no headers.
	if fc, err := c.FilterConfig(); err != nil {
		bad("invalid ANTI_CLICKJACKING_OPTION %q: %w", c.AntiClickJackingOption, err)
	} else if _, err := headersec.New(fc); err != nil {
		bad("invalid header filter config: %w", err)
	}

	return errors.Join(errs...)
}
