//go:build !unix

package rawmem

// Mmap falls back to the Go heap where anonymous mappings are not available.
type Mmap struct {
	Heap
}

// NewMmap returns a heap-backed source on platforms without mmap.
func NewMmap() *Mmap { return &Mmap{} }
