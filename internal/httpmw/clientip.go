package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 = directly exposed (X-Forwarded-* ignored and
	// stripped), 1 = a single load balancer (rightmost XFF entry), 2 = CDN +
	// load balancer, etc.
	TrustedHops int
}

// ClientIP extracts the client IP with default options (no trusted proxies).
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that resolves the client IP and
// stores it in the context. When forwarded headers are not trusted they are
// deleted so no downstream stage (rate limiting, the scheme check feeding the
// HSTS decision) can be spoofed by them.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			ctx := WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// stripForwarded removes the forwarded headers so no downstream stage
// (rate limiting, the scheme check feeding the HSTS decision) can be
// spoofed by them.
func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// extractRealClientAddr resolves the originating client address. Forwarded
// headers are honored only when the request arrived from a private address
// AND the operator configured trusted hops; in every other case they are
// stripped and RemoteAddr wins.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	// should never happen
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	clientAddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return "0.0.0.0"
	}

	// Not from our own infrastructure, or no proxies configured.
	if !ip.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r)
		return clientAddr
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return clientAddr
	}

	// trustedHops=1 takes the rightmost X-Forwarded-For entry (single LB),
	// trustedHops=N takes the Nth-from-end entry. Fewer entries than expected
	// proxies means misconfiguration or manipulation: fail closed.
	hops := strings.Split(xf, ",")
	idx := len(hops) - trustedHops
	if idx < 0 {
		stripForwarded(r)
		return clientAddr
	}
	if candidate := strings.TrimSpace(hops[idx]); net.ParseIP(candidate) != nil {
		return candidate
	}
	return clientAddr
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
