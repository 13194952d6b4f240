package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/headerguard/internal/log"
)

// logSpy records With and Info calls for assertions. With hands back the
// same spy, so fields from derived loggers are visible too.
type logSpy struct {
	mu      sync.Mutex
	derived []any
	records []spyRecord
}

type spyRecord struct {
	msg string
	kv  []any
}

func (s *logSpy) With(kv ...any) log.Logger {
	s.mu.Lock()
	s.derived = append(s.derived, kv...)
	s.mu.Unlock()
	return s
}

func (s *logSpy) Info(_ context.Context, msg string, kv ...any) {
	s.mu.Lock()
	s.records = append(s.records, spyRecord{msg: msg, kv: kv})
	s.mu.Unlock()
}

func (s *logSpy) Debug(context.Context, string, ...any)        {}
func (s *logSpy) Warn(context.Context, string, ...any)         {}
func (s *logSpy) Error(context.Context, error, string, ...any) {}
func (s *logSpy) Sync() error                                  { return nil }

func (s *logSpy) last() (spyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.records); n > 0 {
		return s.records[n-1], true
	}
	return spyRecord{}, false
}

// derivedField looks up a key across everything passed to With.
func (s *logSpy) derivedField(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kvValue(s.derived, key)
}

func kvValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// accessRecorder

func TestAccessRecorder_WriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	ar := &accessRecorder{ResponseWriter: rec}

	ar.WriteHeader(http.StatusTeapot)

	if ar.status != http.StatusTeapot {
		t.Fatalf("status = %d", ar.status)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("underlying code = %d", rec.Code)
	}
}

func TestAccessRecorder_Write_DefaultsTo200(t *testing.T) {
	ar := &accessRecorder{ResponseWriter: httptest.NewRecorder()}

	if _, err := ar.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ar.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", ar.status)
	}
}

func TestAccessRecorder_Write_AccumulatesBytes(t *testing.T) {
	ar := &accessRecorder{ResponseWriter: httptest.NewRecorder()}

	ar.Write([]byte("aaaa"))
	ar.Write([]byte("bb"))

	if ar.bytes != 6 {
		t.Fatalf("bytes = %d, want 6", ar.bytes)
	}
}

// schemeFromRequest

func TestSchemeFromRequest_ForwardedProto(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"https", "https"},
		{"http", "http"},
		{"HTTPS", "https"},
		{"https, http", "https"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.Header.Set("X-Forwarded-Proto", tt.header)
		if got := schemeFromRequest(r); got != tt.want {
			t.Errorf("schemeFromRequest(XFP=%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestSchemeFromRequest_TLS(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.URL.Scheme = ""
	r.TLS = &tls.ConnectionState{}
	if got := schemeFromRequest(r); got != "https" {
		t.Fatalf("scheme = %q, want https", got)
	}
}

func TestSchemeFromRequest_DefaultHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.URL.Scheme = ""
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("scheme = %q, want http", got)
	}
}

// WithLogger

func TestWithLogger_EnrichesContext(t *testing.T) {
	spy := &logSpy{}

	var inHandler log.Logger
	h := WithLogger(spy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = log.FromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x?q=1", http.NoBody))

	if inHandler != log.Logger(spy) {
		t.Fatal("context logger is not the derived logger")
	}
	if v, ok := spy.derivedField("url.path"); !ok || v != "/x" {
		t.Errorf("url.path = %v", v)
	}
	if v, ok := spy.derivedField("url.query"); !ok || v != "q=1" {
		t.Errorf("url.query = %v", v)
	}
	if _, ok := spy.derivedField("http.request.method"); !ok {
		t.Error("missing http.request.method field")
	}
}

func TestWithLogger_UsesResolvedClientIP(t *testing.T) {
	spy := &logSpy{}

	h := WithLogger(spy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(WithClientIP(req.Context(), "203.0.113.9"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if v, _ := spy.derivedField("client.address"); v != "203.0.113.9" {
		t.Fatalf("client.address = %v", v)
	}
}

// AccessLog

func TestAccessLog_LogsRequest(t *testing.T) {
	spy := &logSpy{}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	})
	h := WithLogger(spy)(AccessLog()(inner))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", http.NoBody))

	last, ok := spy.last()
	if !ok {
		t.Fatal("no access log record")
	}
	if last.msg != "http request" {
		t.Fatalf("msg = %q", last.msg)
	}
	if v, _ := kvValue(last.kv, "http.response.status_code"); v != http.StatusNotFound {
		t.Errorf("status = %v", v)
	}
	if v, _ := kvValue(last.kv, "http.response.body.size"); v != int64(4) {
		t.Errorf("body size = %v", v)
	}
}

func TestAccessLog_DefaultStatus200(t *testing.T) {
	spy := &logSpy{}

	h := WithLogger(spy)(AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	last, ok := spy.last()
	if !ok {
		t.Fatal("no access log record")
	}
	if v, _ := kvValue(last.kv, "http.response.status_code"); v != http.StatusOK {
		t.Errorf("status = %v, want 200", v)
	}
}

func TestAccessLog_SkipsHealthEndpoints(t *testing.T) {
	spy := &logSpy{}

	h := WithLogger(spy)(AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))

	if _, ok := spy.last(); ok {
		t.Fatal("health endpoints were access-logged")
	}
}

func TestAccessLog_NoLoggerInContext(t *testing.T) {
	// must not panic without WithLogger upstream
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
