// Package xerrors provides error constructors that capture a stack trace at
// the point of creation. The log package renders those stacks on error-level
// records so failures are attributable without panic dumps.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// traced pairs an error with the program counters captured where it was
// built. StackPCs is the contract the log package resolves frames from.
type traced struct {
	err   error
	stack []uintptr
}

func (t *traced) Error() string       { return t.err.Error() }
func (t *traced) Unwrap() error       { return t.err }
func (t *traced) StackPCs() []uintptr { return t.stack }

// trace wraps err with the caller's stack. skip counts frames above trace
// itself to drop from the capture.
func trace(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return &traced{err: err, stack: pcs[:n]}
}

// New is errors.New with a captured stack.
func New(msg string) error { return trace(errors.New(msg), 1) }

// Newf is fmt.Errorf with a captured stack.
func Newf(format string, args ...any) error { return trace(fmt.Errorf(format, args...), 1) }

// Wrap annotates err with msg, capturing a stack if err does not already
// carry one. Returns nil when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return ensure(fmt.Errorf("%s: %w", msg, err), 2)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return ensure(fmt.Errorf(format+": %w", append(args, err)...), 2)
}

// WithStack attaches a stack to err unconditionally.
func WithStack(err error) error { return trace(err, 1) }

// EnsureTrace attaches a stack to err only if no wrapped error in the chain
// already carries one.
func EnsureTrace(err error) error { return ensure(err, 2) }

func ensure(err error, skip int) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return trace(err, skip)
}
