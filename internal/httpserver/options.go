package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/headerguard/internal/headersec"
	"github.com/keithlinneman/headerguard/internal/health"
	"github.com/keithlinneman/headerguard/internal/httpmw"
	"github.com/keithlinneman/headerguard/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback when panics are recovered, e.g. to increment prometheus counters

	// Filter injects the security headers. A nil filter serves requests
	// with no header injection (tests only).
	Filter *headersec.Filter

	// OnHeaderEmit is called with the header name each time the filter
	// adds a header, used for prometheus counters.
	OnHeaderEmit func(header string)

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts extra routes on the public router (tests, debug).
	APIRoutes func(chi.Router)

	// Upstream handles everything that isn't a health route. This is the
	// reverse proxy in production.
	Upstream http.Handler
}
