package httpmw

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/headerguard/internal/log"
)

// accessRecorder captures status and body size for the access log while
// passing Flush and Hijack through to the wrapped writer.
type accessRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (ar *accessRecorder) WriteHeader(code int) {
	ar.status = code
	ar.ResponseWriter.WriteHeader(code)
}

func (ar *accessRecorder) Write(b []byte) (int, error) {
	if ar.status == 0 {
		ar.status = http.StatusOK
	}
	n, err := ar.ResponseWriter.Write(b)
	ar.bytes += int64(n)
	return n, err
}

func (ar *accessRecorder) Flush() {
	if f, ok := ar.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websockets proxied upstream.
func (ar *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := ar.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// WithLogger derives a request-scoped logger carrying stable request fields
// and stores it in the context for downstream handlers.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)
			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
					clientAddr = host
				} else {
					clientAddr = r.RemoteAddr
				}
			}
			scheme := schemeFromRequest(r)

			// Mirror the identity fields onto the active span.
			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", clientAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			fields := []any{
				"request_id", reqID,
				"client.address", clientAddr,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			}
			if q := r.URL.RawQuery; q != "" {
				fields = append(fields, "url.query", q)
			}

			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isProbePath(p string) bool {
	return p == "/-/ready" || p == "/-/healthy"
}

// AccessLog emits one info record per completed request with status, size,
// and duration. Health endpoints are skipped to keep the log useful.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ar := &accessRecorder{ResponseWriter: w}
			next.ServeHTTP(ar, r)

			ctx := r.Context()
			L := log.FromContext(ctx)
			if L == nil || isProbePath(r.URL.Path) {
				return
			}

			status := ar.status
			if status == 0 {
				status = http.StatusOK
			}

			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}

			L.Info(ctx, "http request",
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", ar.bytes,
				"http.request.body.size", reqBody,
				"http.route", route,
			)
		})
	}
}

// schemeFromRequest resolves the effective URL scheme. X-Forwarded-Proto is
// only present here if the client-IP middleware decided the sender was a
// trusted proxy; otherwise it was already stripped.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		return strings.ToLower(strings.TrimSpace(first))
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
