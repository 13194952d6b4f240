package log

import "context"

// nop discards every record. It backs the context fallback so call sites
// never have to nil-check their logger, and tests embed it to stub the
// interface.
type nop struct{}

func (n nop) With(kv ...any) Logger { return n }

func (nop) Debug(ctx context.Context, msg string, kv ...any) {}

func (nop) Info(ctx context.Context, msg string, kv ...any) {}

func (nop) Warn(ctx context.Context, msg string, kv ...any) {}

func (nop) Error(ctx context.Context, err error, msg string, kv ...any) {}

func (nop) Sync() error { return nil }

// Nop returns a Logger that drops everything.
func Nop() Logger { return nop{} }
