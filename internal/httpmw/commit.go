package httpmw

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// CommitWriter wraps http.ResponseWriter and records whether the response has
// been committed (status line or body flushed toward the client). Downstream
// middleware that must inspect or mutate headers before commit can
// type-assert for the Committed method.
type CommitWriter struct {
	http.ResponseWriter
	committed bool
}

// Committed reports whether WriteHeader or Write has been called.
func (w *CommitWriter) Committed() bool { return w.committed }

func (w *CommitWriter) WriteHeader(code int) {
	w.committed = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *CommitWriter) Write(p []byte) (int, error) {
	w.committed = true
	return w.ResponseWriter.Write(p)
}

// support Flush if the underlying writer does.
func (w *CommitWriter) Flush() {
	w.committed = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// support Hijack (websockets through the proxy).
func (w *CommitWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	w.committed = true
	return h.Hijack()
}

// Unwrap supports http.ResponseController passthrough.
func (w *CommitWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// TrackCommit installs a CommitWriter. It must be the outermost middleware so
// every later stage sees the tracked writer.
func TrackCommit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&CommitWriter{ResponseWriter: w}, r)
	})
}
