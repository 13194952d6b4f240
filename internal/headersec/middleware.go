package headersec

import (
	"net/http"

	"github.com/keithlinneman/headerguard/internal/log"
)

// MWOption configures the net/http middleware adapter.
type MWOption func(*mwOptions)

type mwOptions struct {
	// onEmit is called with the header name each time the filter injects a
	// header. Used to increment prometheus counters.
	onEmit func(header string)
}

// WithEmitObserver sets a callback invoked once per injected header.
func WithEmitObserver(fn func(header string)) MWOption {
	return func(o *mwOptions) { o.onEmit = fn }
}

// Middleware adapts the filter to a standard net/http middleware. It must run
// inside httpmw.TrackCommit (which provides committed-ness observation) and
// outside any handler that writes the response.
//
// On a pipeline-state violation (response already committed) the request is
// aborted: the error is logged through the context logger and next is never
// invoked. Nothing useful can be written to a committed response, so there is
// no 500 here.
func (f *Filter) Middleware(opts ...MWOption) func(http.Handler) http.Handler {
	var o mwOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := httpRequest{r: r}
			resp := &httpResponse{w: w, onEmit: o.onEmit}

			err := f.Process(req, resp, func() {
				next.ServeHTTP(w, r)
			})
			if err != nil {
				log.FromContext(r.Context()).Error(r.Context(), err, "header security filter aborted request",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
			}
		})
	}
}

// httpRequest adapts *http.Request to the Request capability.
type httpRequest struct {
	r *http.Request
}

// Secure reports TLS directly on this hop, or a forwarded https scheme.
// The filter runs before the client-IP middleware scrubs untrusted
// X-Forwarded-* headers, so a spoofed proto can at worst add an HSTS
// header on a plaintext response, which browsers ignore.
func (q httpRequest) Secure() bool {
	if q.r.TLS != nil {
		return true
	}
	return q.r.Header.Get("X-Forwarded-Proto") == "https"
}

// httpResponse adapts http.ResponseWriter to the Response capability.
type httpResponse struct {
	w      http.ResponseWriter
	onEmit func(header string)
}

// Committed asks the commit-tracking writer installed by httpmw.TrackCommit.
// A bare writer has no way to report committed-ness; net/http never invokes
// middleware after a flush on its own, so absent the tracker we assume open.
func (p *httpResponse) Committed() bool {
	if c, ok := p.w.(interface{ Committed() bool }); ok {
		return c.Committed()
	}
	return false
}

// SupportsHeaders is always true for net/http: every ResponseWriter carries
// a header map. The capability exists for non-HTTP pipelines.
func (p *httpResponse) SupportsHeaders() bool { return true }

func (p *httpResponse) AddHeader(name, value string) {
	p.w.Header().Add(name, value)
	if p.onEmit != nil {
		p.onEmit(name)
	}
}
