// Package provider implements the memory providers callers allocate from.
//
// A Provider is the full operation set of the pool engine plus aggregate
// statistics. Std adds nothing else. Debug also records where every live
// allocation was made and can sweep all of them for corruption. Both are
// constructed once and used through the Provider interface; callers never
// branch on which one is installed.
package provider

import (
	"fmt"
	"io"

	"github.com/joshuapare/folio/pool"
)

// Provider is the operation set shared by every memory provider.
type Provider interface {
	// Allocate returns a block of length bytes with one reference.
	// It returns pool.ErrOutOfMemory when the budget cannot cover length.
	Allocate(length int, fini pool.Finalizer) (pool.Memory, error)

	// AllocateAndZero is Allocate with the block's bytes zeroed.
	AllocateAndZero(length int, fini pool.Finalizer) (pool.Memory, error)

	// Acquire adds a reference to mem and returns a handle to the same block.
	Acquire(mem pool.Memory) pool.Memory

	// Release drops the reference held through *mem, zeroes *mem and reports
	// whether the block was reclaimed.
	Release(mem *pool.Memory) bool

	Length(mem pool.Memory) int
	Validate(mem pool.Memory)
	Lock(mem pool.Memory)
	Unlock(mem pool.Memory)
	SetFinalizer(mem pool.Memory, fini pool.Finalizer)

	// Display writes a one-line description of mem to w.
	Display(mem pool.Memory, w io.Writer) error

	// Report writes the provider's statistics and pool layout to w.
	Report(w io.Writer) error

	// OutstandingReferences is the number of references held across all
	// live blocks.
	OutstandingReferences() uint64

	// AllocatedBytes is the sum of the requested lengths of live blocks.
	AllocatedBytes() uint64

	// SetAvailableMemory changes the budget for subsequent allocations.
	SetAvailableMemory(limit uint64)

	Stats() Stats

	AcquireProvider() Provider

	// ReleaseProvider drops a reference to the provider and reports whether
	// it was the last one.
	ReleaseProvider() bool
}

// Stats are the aggregate counters every provider keeps.
type Stats struct {
	OutstandingAllocations uint64
	OutstandingAcquires    uint64
	OutOfMemory            uint64
}

// ReleaseProvider releases the provider in *pp and clears the slot.
func ReleaseProvider(pp *Provider) bool {
	if pp == nil || *pp == nil {
		return false
	}
	final := (*pp).ReleaseProvider()
	*pp = nil
	return final
}

// TestRefCount reports whether p has exactly expected outstanding references.
// On a mismatch it writes the formatted message to w.
func TestRefCount(p Provider, expected uint64, w io.Writer, format string, args ...any) bool {
	if p.OutstandingReferences() == expected {
		return true
	}
	fmt.Fprintf(w, format, args...)
	return false
}
