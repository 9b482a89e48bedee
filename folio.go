// Package folio is the process-wide entry point to a memory provider.
//
// Libraries that take a provider.Provider should be handed one explicitly.
// For programs that want a single default, folio holds one installed
// provider and forwards every operation to it:
//
//	p, err := provider.NewStd(provider.StdOptions{})
//	if err != nil {
//		return err
//	}
//	folio.SetProvider(p)  // folio now holds its own reference
//	p.ReleaseProvider()
//	defer folio.Shutdown()
//
//	mem, err := folio.Allocate(64, nil)
//	...
//	folio.Release(&mem)
//
// Install the provider before any goroutine allocates through folio and shut
// it down after the last one is done. Calling an operation with no provider
// installed raises a fault.Trap of kind IllegalValue.
package folio

import (
	"io"

	"go.uber.org/atomic"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/pool"
	"github.com/joshuapare/folio/provider"
)

type installed struct {
	p provider.Provider
}

var slot atomic.Pointer[installed]

func current() provider.Provider {
	in := slot.Load()
	if in == nil {
		fault.Raise(fault.IllegalValue, "folio: no provider installed")
	}
	return in.p
}

// SetProvider installs p, taking a reference to it, and releases the
// reference held on the previously installed provider. A nil p is Shutdown.
func SetProvider(p provider.Provider) {
	if p == nil {
		Shutdown()
		return
	}
	prev := slot.Swap(&installed{p: p.AcquireProvider()})
	if prev != nil {
		prev.p.ReleaseProvider()
	}
}

// Provider returns the installed provider, or nil.
func Provider() provider.Provider {
	if in := slot.Load(); in != nil {
		return in.p
	}
	return nil
}

// Shutdown uninstalls the provider and releases folio's reference to it.
// It reports whether that was the provider's last reference.
func Shutdown() bool {
	prev := slot.Swap(nil)
	if prev == nil {
		return false
	}
	return prev.p.ReleaseProvider()
}

// Allocate allocates from the installed provider.
func Allocate(length int, fini pool.Finalizer) (pool.Memory, error) {
	return current().Allocate(length, fini)
}

// AllocateAndZero allocates zeroed memory from the installed provider.
func AllocateAndZero(length int, fini pool.Finalizer) (pool.Memory, error) {
	return current().AllocateAndZero(length, fini)
}

// Acquire adds a reference through the installed provider.
func Acquire(mem pool.Memory) pool.Memory { return current().Acquire(mem) }

// Release drops a reference through the installed provider.
func Release(mem *pool.Memory) bool { return current().Release(mem) }

// Length returns the requested length of mem.
func Length(mem pool.Memory) int { return current().Length(mem) }

// Validate traps if mem is damaged.
func Validate(mem pool.Memory) { current().Validate(mem) }

// Lock locks mem.
func Lock(mem pool.Memory) { current().Lock(mem) }

// Unlock unlocks mem.
func Unlock(mem pool.Memory) { current().Unlock(mem) }

// SetFinalizer replaces the finalizer of mem.
func SetFinalizer(mem pool.Memory, fini pool.Finalizer) { current().SetFinalizer(mem, fini) }

// Display writes the header and trailer of mem to w.
func Display(mem pool.Memory, w io.Writer) error { return current().Display(mem, w) }

// Report writes the installed provider's report to w.
func Report(w io.Writer) error { return current().Report(w) }

// SetAvailableMemory changes the installed provider's budget.
func SetAvailableMemory(limit uint64) { current().SetAvailableMemory(limit) }

// OutstandingReferences is the number of live references.
func OutstandingReferences() uint64 { return current().OutstandingReferences() }

// AllocatedBytes is the number of user bytes allocated.
func AllocatedBytes() uint64 { return current().AllocatedBytes() }

// TestRefCount is provider.TestRefCount on the installed provider.
func TestRefCount(expected uint64, w io.Writer, format string, args ...any) bool {
	return provider.TestRefCount(current(), expected, w, format, args...)
}
