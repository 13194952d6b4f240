// Package headersec is the header security filter: it guarantees that
// responses carry the configured Strict-Transport-Security and
// X-Frame-Options headers.
//
// Header values are compiled once from Config at construction time and
// reused for every request. A Filter holds no mutable state after New,
// so a single instance is safe for unbounded concurrent use.
//
// The per-request entry point is expressed against two minimal capability
// interfaces (Request, Response) rather than a concrete server framework;
// middleware.go adapts net/http to them.
package headersec

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/keithlinneman/headerguard/internal/xerrors"
)

const (
	// Wire header names. Exported for tests and metrics labels.
	HSTSHeader         = "Strict-Transport-Security"
	FrameOptionsHeader = "X-Frame-Options"
)

// ErrResponseCommitted is returned by Process when the response has already
// been committed before the filter ran. Headers can no longer be added at
// that point, so this signals a middleware-ordering bug to the caller rather
// than a recoverable per-request condition.
var ErrResponseCommitted = xerrors.New("headersec: response already committed, cannot add security headers")

// FrameOption selects the X-Frame-Options policy.
type FrameOption int

const (
	FrameDeny FrameOption = iota
	FrameSameOrigin
	FrameAllowFrom
)

// frameTokens maps each option to its wire-format header token.
var frameTokens = [...]string{
	FrameDeny:       "DENY",
	FrameSameOrigin: "SAMEORIGIN",
	FrameAllowFrom:  "ALLOW-FROM",
}

func (o FrameOption) valid() bool {
	return o >= FrameDeny && o <= FrameAllowFrom
}

// Token returns the header token for the option ("DENY", "SAMEORIGIN",
// "ALLOW-FROM"), or "" for an out-of-range value.
func (o FrameOption) Token() string {
	if !o.valid() {
		return ""
	}
	return frameTokens[o]
}

func (o FrameOption) String() string { return o.Token() }

// ParseFrameOption matches s case-insensitively against the wire tokens.
// Anything else is a configuration error.
func ParseFrameOption(s string) (FrameOption, error) {
	for i, tok := range frameTokens {
		if strings.EqualFold(s, tok) {
			return FrameOption(i), nil
		}
	}
	return 0, xerrors.Newf("unknown frame option %q (valid options are DENY|SAMEORIGIN|ALLOW-FROM)", s)
}

// Config holds the filter settings. Bound from flags/env by the caller;
// immutable once the Filter is built.
type Config struct {
	HSTSEnabled           bool
	HSTSMaxAgeSeconds     int
	HSTSIncludeSubDomains bool

	AntiClickJackingEnabled bool
	AntiClickJackingOption  FrameOption
	// AntiClickJackingURI is required (and must parse) when the option is
	// FrameAllowFrom. Unused otherwise.
	AntiClickJackingURI string
}

// DefaultConfig mirrors the conventional defaults: both headers enabled,
// zero max-age, framing denied outright.
func DefaultConfig() Config {
	return Config{
		HSTSEnabled:             true,
		AntiClickJackingEnabled: true,
		AntiClickJackingOption:  FrameDeny,
	}
}

// Request is the capability the filter needs from an inbound request.
type Request interface {
	// Secure reports whether the request arrived over encrypted transport.
	Secure() bool
}

// Response is the capability the filter needs from an outbound response.
type Response interface {
	// Committed reports whether headers/body have already been flushed to
	// the client.
	Committed() bool
	// SupportsHeaders reports whether this is an HTTP-flavored response
	// that can carry headers at all.
	SupportsHeaders() bool
	// AddHeader appends a header value, preserving any existing values of
	// the same name.
	AddHeader(name, value string)
}

// Filter injects the compiled security headers into responses.
type Filter struct {
	hstsEnabled             bool
	antiClickJackingEnabled bool

	hstsValue         string
	frameOptionsValue string
}

// New validates cfg and compiles the header values. A negative HSTS max-age
// is clamped to zero rather than rejected. An unknown frame option, or a
// missing/unparsable URI when the option is ALLOW-FROM, is a configuration
// error; callers must treat that as fatal and refuse to serve, since running
// without a security header the operator asked for is worse than not starting.
func New(cfg Config) (*Filter, error) {
	if !cfg.AntiClickJackingOption.valid() {
		return nil, xerrors.Newf("invalid frame option %d", int(cfg.AntiClickJackingOption))
	}

	maxAge := cfg.HSTSMaxAgeSeconds
	if maxAge < 0 {
		maxAge = 0
	}

	var hsts strings.Builder
	hsts.WriteString("max-age=")
	hsts.WriteString(strconv.Itoa(maxAge))
	if cfg.HSTSIncludeSubDomains {
		hsts.WriteString(";includeSubDomains")
	}

	var frame strings.Builder
	frame.WriteString(cfg.AntiClickJackingOption.Token())
	if cfg.AntiClickJackingOption == FrameAllowFrom {
		if cfg.AntiClickJackingURI == "" {
			return nil, xerrors.New("frame option ALLOW-FROM requires a URI")
		}
		u, err := url.Parse(cfg.AntiClickJackingURI)
		if err != nil {
			return nil, xerrors.Wrapf(err, "invalid ALLOW-FROM uri %q", cfg.AntiClickJackingURI)
		}
		frame.WriteByte(':')
		frame.WriteString(u.String())
	}

	return &Filter{
		hstsEnabled:             cfg.HSTSEnabled,
		antiClickJackingEnabled: cfg.AntiClickJackingEnabled,
		hstsValue:               hsts.String(),
		frameOptionsValue:       frame.String(),
	}, nil
}

// HSTSValue returns the compiled Strict-Transport-Security value.
func (f *Filter) HSTSValue() string { return f.hstsValue }

// FrameOptionsValue returns the compiled X-Frame-Options value.
func (f *Filter) FrameOptionsValue() string { return f.frameOptionsValue }

// Process runs the filter for one request/response pair and then hands off
// to next exactly once. If the response is already committed it returns
// ErrResponseCommitted without invoking next. Header insertion is append-only:
// values set upstream are never inspected or replaced.
func (f *Filter) Process(req Request, resp Response, next func()) error {
	if resp.Committed() {
		return ErrResponseCommitted
	}

	if f.hstsEnabled && req.Secure() && resp.SupportsHeaders() {
		resp.AddHeader(HSTSHeader, f.hstsValue)
	}

	if f.antiClickJackingEnabled && resp.SupportsHeaders() {
		resp.AddHeader(FrameOptionsHeader, f.frameOptionsValue)
	}

	next()
	return nil
}
