// Package backtrace captures call stacks for allocation diagnostics.
package backtrace

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Backtrace is a captured call stack.
type Backtrace struct {
	stack errors.StackTrace
}

// Capture records up to depth frames of the caller's stack, skipping the
// first skip frames above Capture itself.
func Capture(depth, skip int) *Backtrace {
	if depth <= 0 {
		return &Backtrace{}
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+2, pcs)
	st := make(errors.StackTrace, n)
	for i, pc := range pcs[:n] {
		st[i] = errors.Frame(pc)
	}
	return &Backtrace{stack: st}
}

// Depth is the number of captured frames.
func (b *Backtrace) Depth() int {
	if b == nil {
		return 0
	}
	return len(b.stack)
}

// Frames returns the captured frames.
func (b *Backtrace) Frames() errors.StackTrace {
	if b == nil {
		return nil
	}
	return b.stack
}

// String renders one "function\n\tfile:line" pair per frame.
func (b *Backtrace) String() string {
	if b.Depth() == 0 {
		return "<no frames>"
	}
	return strings.TrimPrefix(fmt.Sprintf("%+v", b.stack), "\n")
}
