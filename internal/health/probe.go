package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/headerguard/internal/xerrors"
)

// Probe reports whether a dependency is usable right now.
// A nil error means healthy; a non-nil error carries the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a plain function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant verdict. A failing probe reports
// reason, or "unhealthy" when reason is empty.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All combines probes with AND semantics: the first failure wins, and an
// empty or all-nil set passes. Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any combines probes with OR semantics: one passing probe is enough.
// When every probe fails the last error is returned; an empty or all-nil
// set fails outright.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = xerrors.New("no healthy probes")
		}
		return lastErr
	}
}

// ShutdownGate fails readiness once a drain begins, so load balancers stop
// routing new traffic while in-flight requests finish. The zero value is an
// open gate.
type ShutdownGate struct {
	// nil means open; non-nil holds the drain reason.
	drain atomic.Pointer[string]
}

// Set closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	g.drain.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.drain.Store(nil)
}

// Probe returns a probe that tracks the gate's current state.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		r := g.drain.Load()
		if r == nil {
			return nil
		}
		reason := *r
		if reason == "" {
			reason = "draining"
		}
		return xerrors.New(reason)
	}
}
