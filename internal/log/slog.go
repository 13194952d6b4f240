package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// slogBackend implements Logger on top of log/slog. Each instance carries
// its accumulated With attributes; the handler chain is shared.
type slogBackend struct {
	h     slog.Handler
	attrs []slog.Attr
}

// stackCarrier matches errors whose stack was captured at creation time.
type stackCarrier interface {
	StackPCs() []uintptr
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}

	hOpts := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hOpts)
	} else {
		h = slog.NewTextHandler(w, hOpts)
	}

	// Decorators run outermost first: stack capture, then trace stamping.
	h = traceHandler{next: h}
	h = stacktraceHandler{next: h, level: opts.StacktraceLevel}

	base := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		base = append(base, slog.String("version", opts.Version))
	}

	return &slogBackend{h: h, attrs: base}, nil
}

func (s *slogBackend) With(kv ...any) Logger {
	// Copy-on-write keeps shared loggers safe across goroutines.
	merged := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(merged, s.attrs)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			merged = append(merged, slog.Any(k, kv[i+1]))
		}
	}
	return &slogBackend{h: s.h, attrs: merged}
}

func (s *slogBackend) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv...)
}
func (s *slogBackend) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv...)
}
func (s *slogBackend) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv...)
}
func (s *slogBackend) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, "err", err)
	}
	s.emit(ctx, slog.LevelError, msg, kv...)
}
func (s *slogBackend) Sync() error { return nil }

func (s *slogBackend) emit(ctx context.Context, lvl slog.Level, msg string, kv ...any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}

	// PC of the Debug/Info/Warn/Error caller, so AddSource points at the
	// call site rather than this package.
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	for _, a := range s.attrs {
		r.AddAttrs(a)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			r.AddAttrs(slog.Any(k, kv[i+1]))
		}
	}
	_ = s.h.Handle(ctx, r)
}

// traceHandler stamps trace_id and span_id from the context onto every
// record so log lines join up with traces.
type traceHandler struct{ next slog.Handler }

func (h traceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}
func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}
func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}
func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}

// stacktraceHandler adds a stack attribute to records at or above its
// level. A stack already carried by the logged error wins over a fresh
// capture, since it points at where the failure happened rather than where
// it was logged.
type stacktraceHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h stacktraceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}
func (h stacktraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		var pcs []uintptr
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "err" {
				if sc, ok := a.Value.Any().(stackCarrier); ok && sc != nil {
					pcs = sc.StackPCs()
					return false
				}
			}
			return true
		})

		if len(pcs) == 0 {
			buf := make([]uintptr, 64)
			// skip runtime.Callers, Handle
			pcs = buf[:runtime.Callers(2, buf)]
		}
		r.AddAttrs(slog.String("stack", formatStack(pcs)))
	}
	return h.next.Handle(ctx, r)
}
func (h stacktraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stacktraceHandler{next: h.next.WithAttrs(attrs), level: h.level}
}
func (h stacktraceHandler) WithGroup(name string) slog.Handler {
	return stacktraceHandler{next: h.next.WithGroup(name), level: h.level}
}

// formatStack renders PCs as func / file:line pairs. Leading slog and
// own-package frames are dropped, and the trace stops at the runtime.
func formatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if !more {
			break
		}
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		internal := strings.HasPrefix(fr.Function, "log/slog.") ||
			strings.Contains(fr.Function, "/internal/log.")
		if !started && internal {
			continue
		}
		started = true
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
	}
	return strings.TrimSpace(b.String())
}
