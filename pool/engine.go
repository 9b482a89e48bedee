package pool

import (
	"fmt"
	"io"

	"github.com/go-kit/log/level"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/internal/guard"
	"github.com/joshuapare/folio/internal/spin"
)

// Allocate reserves length bytes of budget and returns a handle with one
// reference. It returns ErrOutOfMemory, and changes nothing, when the budget
// cannot cover length. fini may be nil.
func (p *Pool) Allocate(length int, fini Finalizer) (Memory, error) {
	p.verify()
	if length < 0 {
		p.raise(fault.New(fault.IllegalValue, "negative allocation length %d", length))
	}
	if _, ok := guard.AddSafe(length, guard.Width); !ok {
		return Memory{}, ErrTooLarge
	}

	if !p.reserve(uint64(length)) {
		level.Warn(p.logger).Log("msg", "allocation exceeds available memory",
			"length", length, "allocated", p.current.Load(), "limit", p.limit.Load())
		return Memory{}, ErrOutOfMemory
	}

	trailerGuardLength := guard.Guarded(length) - length
	total, ok := guard.AddSafe(p.headerAlignedLength, length, trailerGuardLength, p.trailerAlignedLength)
	if !ok {
		p.unreserve(uint64(length))
		return Memory{}, ErrTooLarge
	}

	raw, err := p.source.Alloc(total)
	if err != nil {
		p.unreserve(uint64(length))
		return Memory{}, fmt.Errorf("pool: raw block of %d bytes: %w", total, err)
	}

	h := &Header{
		raw:                raw,
		requestedLength:    length,
		headerExtLength:    p.headerExtLength,
		headerGuardLength:  p.headerGuardLength,
		trailerGuardLength: trailerGuardLength,
		fini:               fini,
		lock:               spin.NewLock(),
	}
	h.refs.Store(1)
	h.user = raw[p.headerAlignedLength : p.headerAlignedLength+length : p.headerAlignedLength+length]

	h.writeRecord(p.headerMagic)
	guard.Fill(p.guardPattern, h.headerGuard())
	guard.Fill(p.guardPattern, h.trailerGuard())
	putMagic3(h.trailer(), p.headerMagic)

	return Memory{hdr: h}, nil
}

// AllocateAndZero is Allocate followed by zeroing the requested bytes.
func (p *Pool) AllocateAndZero(length int, fini Finalizer) (Memory, error) {
	mem, err := p.Allocate(length, fini)
	if err != nil {
		return mem, err
	}
	clear(mem.Bytes())
	return mem, nil
}

// header returns the Header behind mem, trapping on the nil handle.
func (p *Pool) header(mem Memory) *Header {
	if mem.hdr == nil {
		p.raise(fault.New(fault.IllegalValue, "nil memory handle"))
	}
	return mem.hdr
}

// validate traps unless h belongs to p and is intact.
func (p *Pool) validate(h *Header) {
	if h.released() || !h.compareMagic(p.headerMagic) ||
		h.recordLength() != uint64(h.requestedLength) || !h.headerGuardIntact(p.guardPattern) {
		p.raise(fault.New(fault.UnexpectedState, "memory: invalid header (memory underrun) %s", h).
			WithDump(h.dumpHeader()))
	}

	if h.referenceCount() < 1 && !h.finalizing.Load() {
		p.raise(fault.New(fault.UnexpectedState, "memory: refcount is zero %s", h).
			WithDump(h.dumpHeader()))
	}

	if h.magic3() != p.headerMagic || !h.trailerGuardIntact(p.guardPattern) {
		p.raise(fault.New(fault.UnexpectedState, "memory: invalid trailer (memory overrun) %s", h.trailerString()).
			WithDump(h.dumpTrailer()))
	}
}

// Validate checks the block's magics, guards and reference count, trapping
// on any damage.
func (p *Pool) Validate(mem Memory) {
	p.verify()
	p.validate(p.header(mem))
}

// Acquire adds a reference and returns a handle to the same block.
func (p *Pool) Acquire(mem Memory) Memory {
	p.verify()
	h := p.header(mem)
	p.validate(h)

	// A prior count below one means a concurrent release freed the block
	// between validation and the increment.
	prior := h.refs.Inc() - 1
	if prior < 1 {
		p.raise(fault.New(fault.UnrecoverableState, "memory %p was freed during acquire", h))
	}
	return mem
}

// Release drops the reference held through *mem and zeroes *mem. On the
// final release the finalizer runs, the budget is returned and the block is
// handed back to the raw source. It reports whether this was the final release.
func (p *Pool) Release(mem *Memory) bool {
	p.verify()
	if mem == nil {
		p.raise(fault.New(fault.IllegalValue, "nil memory slot"))
	}
	h := p.header(*mem)
	p.validate(h)

	final := p.drop(h)
	if final {
		p.reclaim(*mem, h)
	}
	*mem = Memory{}
	return final
}

// drop removes one reference and reports whether it was the last. The
// finalizing flag is set before the count goes from one to zero, so Validate
// never sees a zero count on a block that is not finalizing.
func (p *Pool) drop(h *Header) bool {
	for {
		prior := h.refs.Load()
		switch {
		case prior < 1:
			p.raise(fault.New(fault.IllegalValue, "reference count was %d < 1 when trying to release", prior))
		case prior > 1:
			if h.refs.CompareAndSwap(prior, prior-1) {
				return false
			}
		case h.finalizing.CompareAndSwap(false, true):
			if h.refs.CompareAndSwap(1, 0) {
				return true
			}
			// Lost to a concurrent Acquire.
			h.finalizing.Store(false)
		}
	}
}

// reclaim runs the finalizer and frees the block. finalizing stays set; the
// invalidated header fails validation from here on.
func (p *Pool) reclaim(mem Memory, h *Header) {
	if h.fini != nil {
		h.fini(mem)
	}

	p.unreserve(uint64(h.requestedLength))
	spin.Release(&h.lock)
	h.invalidate()

	raw := h.raw
	h.raw, h.user = nil, nil
	if err := p.source.Free(raw); err != nil {
		level.Error(p.logger).Log("msg", "free raw block", "len", len(raw), "err", err)
	}
}

// Length returns the requested length of the block.
func (p *Pool) Length(mem Memory) int {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	return h.requestedLength
}

// References returns the block's current reference count.
func (p *Pool) References(mem Memory) int32 {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	return h.referenceCount()
}

// SetFinalizer replaces the block's finalizer.
func (p *Pool) SetFinalizer(mem Memory, fini Finalizer) {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	h.fini = fini
}

// Lock spins until the calling goroutine holds the block's lock. The lock is
// not reentrant.
func (p *Pool) Lock(mem Memory) {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	h.lock.Lock()
}

// Unlock releases the block's lock. It traps when the caller is not the holder.
func (p *Pool) Unlock(mem Memory) {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	h.lock.Unlock()
}

// ProviderHeader returns the block's in-band provider-header extension.
func (p *Pool) ProviderHeader(mem Memory) []byte {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	return h.providerHeader()
}

// Attachment returns the provider's out-of-band attachment for the block.
func (p *Pool) Attachment(mem Memory) any {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	return h.ext
}

// Attach sets the provider's out-of-band attachment for the block.
func (p *Pool) Attach(mem Memory, v any) {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	h.ext = v
}

// Display writes the block's header and trailer to w.
func (p *Pool) Display(mem Memory, w io.Writer) error {
	p.verify()
	h := p.header(mem)
	p.validate(h)
	_, err := fmt.Fprintf(w, "memory (%p): %s %s\n", h, h, h.trailerString())
	return err
}
