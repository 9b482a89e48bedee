// Package rawmem provides the raw memory sources allocations are carved from.
//
// A Source hands out whole blocks and takes whole blocks back. Blocks are never
// split or reused by the allocator.
package rawmem

import "errors"

// ErrBadLength is returned for negative block lengths.
var ErrBadLength = errors.New("rawmem: block length must be non-negative")

// Source is a system-level allocate/free pair.
type Source interface {
	// Alloc returns a block of exactly n bytes.
	Alloc(n int) ([]byte, error)

	// Free returns a block obtained from Alloc. The block must not be used afterwards.
	Free(b []byte) error
}

// Heap allocates blocks from the Go heap. Free drops the reference and lets
// the garbage collector reclaim the block.
type Heap struct{}

// NewHeap returns a heap-backed source.
func NewHeap() *Heap { return &Heap{} }

// Alloc implements Source.
func (*Heap) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrBadLength
	}
	return make([]byte, n), nil
}

// Free implements Source.
func (*Heap) Free([]byte) error { return nil }

// Named returns the source registered under name: "heap" or "mmap".
func Named(name string) (Source, error) {
	switch name {
	case "", "heap":
		return NewHeap(), nil
	case "mmap":
		return NewMmap(), nil
	default:
		return nil, errors.New("rawmem: unknown source " + name)
	}
}
