// Package fault reports invariant violations detected by the allocator.
//
// A violated invariant means either caller misuse (double release, unlock from
// the wrong goroutine) or memory corruption (damaged guard bytes or magic
// values). Neither can be recovered from safely, so they are raised as panics
// carrying a *Trap rather than returned as errors.
package fault

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Kind classifies a trap.
type Kind uint8

const (
	// UnexpectedState is raised when an allocation fails validation.
	UnexpectedState Kind = iota + 1
	// IllegalValue is raised for nil handles and reference counts that went below one.
	IllegalValue
	// UnrecoverableState is raised when an acquire races a final release.
	UnrecoverableState
	// CannotObtainLock is raised when a lock is released by a goroutine that does not hold it.
	CannotObtainLock
	// CorruptProvider is raised when a pool's validity markers are damaged.
	CorruptProvider
)

func (k Kind) String() string {
	switch k {
	case UnexpectedState:
		return "unexpected state"
	case IllegalValue:
		return "illegal value"
	case UnrecoverableState:
		return "unrecoverable state"
	case CannotObtainLock:
		return "cannot obtain lock"
	case CorruptProvider:
		return "corrupt provider"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Trap is the panic value for every fatal condition.
type Trap struct {
	Kind Kind
	// Dump is a hex dump of the offending memory region, if one was available.
	Dump string

	err error
}

// New builds a trap with the stack of the caller.
func New(kind Kind, format string, args ...any) *Trap {
	return &Trap{Kind: kind, err: errors.Errorf(format, args...)}
}

// WithDump attaches a hex dump of the region that failed validation.
func (t *Trap) WithDump(dump string) *Trap {
	t.Dump = dump
	return t
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap (%s): %s", t.Kind, t.err.Error())
}

// Unwrap exposes the underlying error carrying the stack trace.
func (t *Trap) Unwrap() error { return t.err }

// Format prints the stack and the dump with %+v.
func (t *Trap) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "trap (%s): %+v", t.Kind, t.err)
			if t.Dump != "" {
				io.WriteString(s, "\n")
				io.WriteString(s, t.Dump)
			}
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, t.Error())
	case 'q':
		fmt.Fprintf(s, "%q", t.Error())
	}
}

// Raise panics with a new trap.
func Raise(kind Kind, format string, args ...any) {
	panic(New(kind, format, args...))
}

// RaiseIf panics with a new trap when cond holds.
func RaiseIf(cond bool, kind Kind, format string, args ...any) {
	if cond {
		panic(New(kind, format, args...))
	}
}

// Catch runs fn and returns the trap it raised, or nil if fn returned
// normally. Panics that are not traps are propagated.
func Catch(fn func()) (trap *Trap) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		t, ok := r.(*Trap)
		if !ok {
			panic(r)
		}
		trap = t
	}()
	fn()
	return nil
}
