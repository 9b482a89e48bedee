//go:build unix

package rawmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Mmap allocates every block as its own anonymous private mapping, rounded up
// to whole pages. Freed blocks are unmapped, so stale access faults instead of
// reading recycled memory.
type Mmap struct {
	pageSize int
}

// NewMmap returns an mmap-backed source.
func NewMmap() *Mmap {
	return &Mmap{pageSize: unix.Getpagesize()}
}

// Alloc implements Source.
func (m *Mmap) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrBadLength
	}
	size := (max(n, 1) + m.pageSize - 1) &^ (m.pageSize - 1)
	if size <= 0 {
		return nil, fmt.Errorf("rawmem: block of %d bytes too large to map", n)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("rawmem: mmap %d bytes: %w", size, err)
	}
	// The capacity still spans the whole mapping; Munmap needs it.
	return b[:n], nil
}

// Free implements Source.
func (m *Mmap) Free(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	err := unix.Munmap(b[:cap(b)])
	if errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("rawmem: block was not mapped by this source: %w", err)
	}
	return err
}
