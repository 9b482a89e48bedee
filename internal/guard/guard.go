// Package guard holds the alignment arithmetic and guard-byte helpers used to
// lay out allocations.
package guard

import (
	"math"
	"unsafe"
)

// Width is the pointer width. User memory and trailers start on multiples of it.
const Width = int(unsafe.Sizeof(uintptr(0)))

const widthMask = Width - 1

// AlignUp returns n rounded up to the next multiple of Width.
//
// Example (64-bit):
//
//	AlignUp(0)  = 0
//	AlignUp(1)  = 8
//	AlignUp(8)  = 8
//	AlignUp(9)  = 16
func AlignUp(n int) int {
	return (n + widthMask) &^ widthMask
}

// Guarded returns the smallest multiple of Width strictly greater than n.
// Guard regions are sized with it, so a guard is never empty: an aligned n
// receives a full extra Width of guard bytes.
//
// Example (64-bit):
//
//	Guarded(0)  = 8
//	Guarded(7)  = 8
//	Guarded(8)  = 16
//	Guarded(23) = 24
func Guarded(n int) int {
	return AlignUp(n + 1)
}

// Fill writes pattern into every byte of buf.
func Fill(pattern byte, buf []byte) {
	for i := range buf {
		buf[i] = pattern
	}
}

// Verify reports whether every byte of buf equals pattern.
func Verify(pattern byte, buf []byte) bool {
	for _, b := range buf {
		if b != pattern {
			return false
		}
	}
	return true
}

// AddSafe adds non-negative lengths, returning ok = false when the sum would overflow int.
func AddSafe(lengths ...int) (int, bool) {
	total := 0
	for _, n := range lengths {
		if n < 0 || total > math.MaxInt-n {
			return 0, false
		}
		total += n
	}
	return total, true
}
