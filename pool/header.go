package pool

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/atomic"

	"github.com/joshuapare/folio/internal/guard"
	"github.com/joshuapare/folio/internal/spin"
)

// In-band record at offset 0 of every raw block.
const (
	magic1Offset = 0
	lengthOffset = 8
	magic2Offset = 16
	recordSize   = 24

	// trailerSize is the in-band trailer: magic3 only.
	trailerSize = 8
)

// Finalizer runs exactly once, on the release that drops a block's count to
// zero, before the block is reclaimed. It may release other blocks it holds
// references to but must not release mem itself.
type Finalizer func(mem Memory)

// Memory is a handle to one allocation. Copies of a handle refer to the same
// allocation; the number of live handles is tracked only through Acquire and
// Release. The zero value is the nil handle.
type Memory struct {
	hdr *Header
}

// IsNil reports whether m is the nil handle.
func (m Memory) IsNil() bool { return m.hdr == nil }

// Bytes returns the user data. The slice has exactly the requested length and
// capacity. It is nil for the nil handle and after the block was reclaimed.
func (m Memory) Bytes() []byte {
	if m.hdr == nil {
		return nil
	}
	return m.hdr.user
}

// Header is the out-of-band record of one allocation. The matching in-band
// record, guards and trailer live in raw.
type Header struct {
	raw  []byte
	user []byte

	requestedLength    int
	headerExtLength    int
	headerGuardLength  int
	trailerGuardLength int

	fini       Finalizer
	lock       *spin.Lock
	refs       atomic.Int32
	finalizing atomic.Bool

	// ext is the provider's out-of-band attachment.
	ext any
}

func (h *Header) headerAlignedLength() int {
	return recordSize + h.headerExtLength + h.headerGuardLength
}

func (h *Header) released() bool { return h.raw == nil }

func (h *Header) writeRecord(magic uint64) {
	binary.NativeEndian.PutUint64(h.raw[magic1Offset:], magic)
	binary.NativeEndian.PutUint64(h.raw[lengthOffset:], uint64(h.requestedLength))
	binary.NativeEndian.PutUint64(h.raw[magic2Offset:], magic)
}

func (h *Header) magic1() uint64 { return binary.NativeEndian.Uint64(h.raw[magic1Offset:]) }
func (h *Header) magic2() uint64 { return binary.NativeEndian.Uint64(h.raw[magic2Offset:]) }

func (h *Header) recordLength() uint64 {
	return binary.NativeEndian.Uint64(h.raw[lengthOffset:])
}

// compareMagic reports whether both header magics equal magic.
func (h *Header) compareMagic(magic uint64) bool {
	return h.magic1() == magic && h.magic2() == magic
}

// invalidate complements magic1 so any later validation fails.
func (h *Header) invalidate() {
	binary.NativeEndian.PutUint64(h.raw[magic1Offset:], ^h.magic1())
}

func (h *Header) providerHeader() []byte {
	return h.raw[recordSize : recordSize+h.headerExtLength : recordSize+h.headerExtLength]
}

func (h *Header) headerGuard() []byte {
	start := recordSize + h.headerExtLength
	return h.raw[start : start+h.headerGuardLength]
}

func (h *Header) trailerGuard() []byte {
	start := h.headerAlignedLength() + h.requestedLength
	return h.raw[start : start+h.trailerGuardLength]
}

func (h *Header) trailer() []byte {
	start := h.headerAlignedLength() + h.requestedLength + h.trailerGuardLength
	return h.raw[start : start+trailerSize]
}

func (h *Header) magic3() uint64 { return binary.NativeEndian.Uint64(h.trailer()) }

func putMagic3(trailer []byte, magic uint64) { binary.NativeEndian.PutUint64(trailer, magic) }

func (h *Header) referenceCount() int32 { return h.refs.Load() }

// String describes the header in one line.
func (h *Header) String() string {
	if h.released() {
		return fmt.Sprintf("{Header (%p) : released, len %d}", h, h.requestedLength)
	}
	return fmt.Sprintf("{Header (%p) : mgk1 %#016x, len %d, fini %t, lock %p, refCount %d, "+
		"pvdrLen %d, hdrgrdlen %d, trlgrdlen %d, mgk2 %#016x, grd [%x]}",
		h, h.magic1(), h.recordLength(), h.fini != nil, h.lock, h.referenceCount(),
		h.headerExtLength, h.headerGuardLength, h.trailerGuardLength, h.magic2(), h.headerGuard())
}

func (h *Header) trailerString() string {
	if h.released() {
		return "{Trailer : released}"
	}
	return fmt.Sprintf("{Trailer : mgk3 %#016x, grdLen %d, grd [%x]}",
		h.magic3(), h.trailerGuardLength, h.trailerGuard())
}

// dumpHeader hex-dumps the in-band header region.
func (h *Header) dumpHeader() string {
	if h.released() {
		return "<block released>"
	}
	return strings.TrimRight(hex.Dump(h.raw[:min(h.headerAlignedLength(), len(h.raw))]), "\n")
}

// dumpTrailer hex-dumps the trailer guard and trailer.
func (h *Header) dumpTrailer() string {
	if h.released() {
		return "<block released>"
	}
	start := min(h.headerAlignedLength()+h.requestedLength, len(h.raw))
	return strings.TrimRight(hex.Dump(h.raw[start:]), "\n")
}

// headerGuardIntact reports whether every header guard byte equals pattern.
func (h *Header) headerGuardIntact(pattern byte) bool {
	return guard.Verify(pattern, h.headerGuard())
}

func (h *Header) trailerGuardIntact(pattern byte) bool {
	return guard.Verify(pattern, h.trailerGuard())
}
