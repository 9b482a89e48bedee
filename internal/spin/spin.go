// Package spin provides the busy-wait primitives used by the allocator.
//
// Nothing in here ever blocks in the scheduler: contenders spin, yielding the
// processor between attempts. Critical sections must be short.
package spin

import (
	"runtime"

	"github.com/petermattis/goid"
	"go.uber.org/atomic"

	"github.com/joshuapare/folio/fault"
)

// Flag is a test-and-set spin flag. The zero value is unlocked.
type Flag struct {
	set atomic.Bool
}

// Lock spins until the flag is acquired.
func (f *Flag) Lock() {
	for !f.set.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock acquires the flag if it is free and reports whether it did.
func (f *Flag) TryLock() bool {
	return f.set.CompareAndSwap(false, true)
}

// Unlock clears the flag.
func (f *Flag) Unlock() {
	f.set.Store(false)
}

// Locked reports whether the flag is currently held.
func (f *Flag) Locked() bool {
	return f.set.Load()
}

// noOwner is never a valid goroutine id.
const noOwner = 0

// Lock is a reference-counted spin lock that records the goroutine holding
// it. Unlock from any other goroutine is a fatal error. Lock is not
// reentrant: locking twice from the same goroutine spins forever.
type Lock struct {
	refs  atomic.Int32
	flag  Flag
	owner atomic.Int64
}

// NewLock returns an unlocked lock with one reference.
func NewLock() *Lock {
	l := &Lock{}
	l.refs.Store(1)
	return l
}

// Acquire adds a reference and returns the same lock.
func (l *Lock) Acquire() *Lock {
	fault.RaiseIf(l == nil, fault.IllegalValue, "lock must be non-nil")
	prior := l.refs.Inc() - 1
	fault.RaiseIf(prior < 1, fault.UnexpectedState, "acquire on lock with reference count %d", prior)
	return l
}

// Release drops a reference and clears the caller's slot.
func Release(lockPtr **Lock) {
	fault.RaiseIf(lockPtr == nil, fault.IllegalValue, "lock slot must be non-nil")
	l := *lockPtr
	fault.RaiseIf(l == nil, fault.IllegalValue, "lock slot must hold a lock")
	prior := l.refs.Dec() + 1
	fault.RaiseIf(prior < 1, fault.UnexpectedState, "releasing lock with reference count %d < 1", prior)
	*lockPtr = nil
}

// References returns the current reference count.
func (l *Lock) References() int32 {
	return l.refs.Load()
}

// Lock spins until the lock is held by the calling goroutine.
func (l *Lock) Lock() {
	l.flag.Lock()
	l.owner.Store(goid.Get())
}

// Unlock releases the lock. It traps if the calling goroutine is not the holder.
func (l *Lock) Unlock() {
	self := goid.Get()
	if owner := l.owner.Load(); !l.flag.Locked() || owner != self {
		fault.Raise(fault.CannotObtainLock, "goroutine %d is not the lock holder (holder %d)", self, owner)
	}
	l.owner.Store(noOwner)
	l.flag.Unlock()
}

// Locked reports whether any goroutine holds the lock.
func (l *Lock) Locked() bool {
	return l.flag.Locked()
}
