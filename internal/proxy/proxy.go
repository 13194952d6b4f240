// Package proxy forwards requests to the configured upstream origin.
//
// The gateway never serves content itself. Everything that survives the
// middleware stack is handed to the origin as-is, with standard
// X-Forwarded-* headers attached.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/keithlinneman/headerguard/internal/log"
)

type Option func(*reverseProxy)

// WithOnError sets a callback invoked on every upstream failure,
// used for incrementing prometheus counters.
func WithOnError(fn func()) Option {
	return func(p *reverseProxy) {
		p.onError = fn
	}
}

// WithTransport overrides the upstream round tripper. Tests use this to
// avoid real sockets.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *reverseProxy) {
		p.rp.Transport = rt
	}
}

type reverseProxy struct {
	rp      *httputil.ReverseProxy
	onError func()
}

// New returns a handler that proxies to upstream. The upstream URL's
// scheme and host replace the inbound ones; the inbound path and query
// pass through untouched.
func New(upstream *url.URL, opts ...Option) http.Handler {
	p := &reverseProxy{
		rp: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(upstream)
				pr.SetXForwarded()
				// SetURL rewrites the Host header to the upstream's.
				// Keep the client's original host so virtual-hosted
				// origins route correctly.
				pr.Out.Host = pr.In.Host
			},
			FlushInterval: 100 * time.Millisecond,
		},
	}
	p.rp.ErrorHandler = p.handleError
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *reverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *reverseProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.FromContext(r.Context()).With(
		"method", r.Method,
		"path", r.URL.Path,
	)
	if r.Context().Err() == context.Canceled {
		// Client went away mid-request. Not an upstream fault, and
		// there is nobody left to send a status to.
		logger.Debug(r.Context(), "client canceled proxied request", "err", err)
		return
	}

	if p.onError != nil {
		p.onError()
	}
	logger.Error(r.Context(), err, "upstream request failed")
	w.WriteHeader(http.StatusBadGateway)
}
