package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// responseRecorder captures the status code and body size of a response
// as it passes through.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += n
	return n, err
}

// Middleware measures inflight, total, duration, and size per request.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Make sure a chi route context exists so the route pattern is
		// recoverable after routing, even when chi is not the outermost mux.
		if chi.RouteContext(r.Context()) == nil {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		rr := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rr, r)

		// A handler that never wrote anything still answered 200.
		status := rr.status
		if status == 0 {
			status = http.StatusOK
		}

		ctx := r.Context()
		method := r.Method
		route := routeLabel(ctx)

		m.reqTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		if status >= 500 {
			m.errorsTotal.WithLabelValues(method, route).Inc()
		}
		m.observeDuration(ctx, method, route, time.Since(start))
		m.respBytes.WithLabelValues(method, route).Observe(float64(rr.bytes))
	})
}

// routeLabel returns the chi route pattern for the request. Raw URL paths
// are never used as a label, that would blow up cardinality on a proxy.
func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if pat := rc.RoutePattern(); pat != "" {
			return pat
		}
	}
	return "unmatched"
}

// observeDuration records request latency, attaching the trace id as an
// exemplar when a sampled trace is present.
func (m *ServerMetrics) observeDuration(ctx context.Context, method, route string, d time.Duration) {
	lat := d.Seconds()
	obs := m.reqDur.WithLabelValues(method, route)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(lat, ex)
			return
		}
	}
	obs.Observe(lat)
}

func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
