package pool

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/internal/guard"
	"github.com/joshuapare/folio/internal/rawmem"
	"github.com/joshuapare/folio/internal/spin"
)

// poolMarker identifies a live Pool.
const poolMarker uint64 = 0xa16588fb703b6f06

// Unbounded is the limit of a pool without a memory budget.
const Unbounded uint64 = math.MaxUint64

// Options configures a Pool.
type Options struct {
	// Limit is the budget for user bytes. Zero means Unbounded; a zero
	// budget is set with SetAvailableMemory(0) after New.
	Limit uint64

	// StateLength is the size of the provider-state extension attached to the pool.
	StateLength int

	// HeaderExtLength is the size of the provider-header extension reserved
	// in-band in every allocation.
	HeaderExtLength int

	// Source supplies raw blocks. Defaults to the Go heap.
	Source rawmem.Source

	// Logger receives lifecycle and trap events. Defaults to a no-op logger.
	Logger log.Logger
}

// Layout is the set of constants a pool computes once at creation.
type Layout struct {
	HeaderMagic          uint64 `json:"header_magic"`
	GuardPattern         byte   `json:"guard_pattern"`
	StateLength          int    `json:"state_length"`
	HeaderExtLength      int    `json:"header_ext_length"`
	HeaderAlignedLength  int    `json:"header_aligned_length"`
	HeaderGuardLength    int    `json:"header_guard_length"`
	TrailerAlignedLength int    `json:"trailer_aligned_length"`
}

// BlockLength is the raw block size for a request of length user bytes. It
// returns ErrTooLarge when the size overflows int.
func (l Layout) BlockLength(length int) (int, error) {
	if length < 0 {
		return 0, ErrBadLength
	}
	if _, ok := guard.AddSafe(length, guard.Width); !ok {
		return 0, ErrTooLarge
	}
	total, ok := guard.AddSafe(l.HeaderAlignedLength, guard.Guarded(length), l.TrailerAlignedLength)
	if !ok {
		return 0, ErrTooLarge
	}
	return total, nil
}

// Pool owns every allocation drawn from it. One pool backs one provider.
type Pool struct {
	marker1 uint64

	headerMagic  uint64
	guardPattern byte

	stateLength          int
	headerExtLength      int
	headerAlignedLength  int
	headerGuardLength    int
	trailerAlignedLength int

	// allocationLock serializes the budget check-and-reserve.
	allocationLock spin.Flag
	limit          atomic.Uint64
	current        atomic.Uint64

	refs atomic.Int32

	state  []byte
	source rawmem.Source
	logger log.Logger

	marker2 uint64
}

// New creates a pool holding one reference.
func New(opts Options) (*Pool, error) {
	if opts.StateLength < 0 || opts.HeaderExtLength < 0 {
		return nil, ErrBadLength
	}
	if opts.Source == nil {
		opts.Source = rawmem.NewHeap()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Limit == 0 {
		opts.Limit = Unbounded
	}

	state, err := opts.Source.Alloc(opts.StateLength)
	if err != nil {
		return nil, fmt.Errorf("pool: allocate provider state: %w", err)
	}

	p := &Pool{
		marker1:         poolMarker,
		headerMagic:     rand.Uint64(),
		stateLength:     opts.StateLength,
		headerExtLength: opts.HeaderExtLength,
		state:           state,
		source:          opts.Source,
		logger:          opts.Logger,
		marker2:         poolMarker,
	}

	headerNoGuard := recordSize + opts.HeaderExtLength
	p.headerAlignedLength = guard.Guarded(headerNoGuard)
	p.headerGuardLength = p.headerAlignedLength - headerNoGuard
	p.trailerAlignedLength = trailerSize

	p.guardPattern = byte(p.headerMagic) + 1
	if p.guardPattern == 0 {
		p.guardPattern++
	}

	p.limit.Store(opts.Limit)
	p.refs.Store(1)

	level.Debug(p.logger).Log("msg", "pool created", "pool", fmt.Sprintf("%p", p),
		"limit", opts.Limit, "header_aligned", p.headerAlignedLength, "header_guard", p.headerGuardLength)
	return p, nil
}

// verify traps unless p is a live pool.
func (p *Pool) verify() {
	if p == nil || p.marker1 != poolMarker || p.marker2 != poolMarker {
		panic(fault.New(fault.CorruptProvider, "provider is not a live pool (%p)", p))
	}
}

// raise logs t and panics with it.
func (p *Pool) raise(t *fault.Trap) {
	level.Error(p.logger).Log("msg", "trap", "kind", t.Kind, "err", t.Error())
	panic(t)
}

// AcquireProvider adds a reference to the pool itself.
func (p *Pool) AcquireProvider() *Pool {
	p.verify()
	prior := p.refs.Inc() - 1
	if prior < 1 {
		p.raise(fault.New(fault.UnrecoverableState, "acquire on released provider (reference count %d)", prior))
	}
	return p
}

// ReleaseProvider drops a reference to the pool and reports whether it was
// the last one. The final release invalidates the pool even if allocations
// are outstanding.
func (p *Pool) ReleaseProvider() bool {
	p.verify()
	prior := p.refs.Dec() + 1
	if prior < 1 {
		p.raise(fault.New(fault.IllegalValue, "provider reference count was %d < 1 when trying to release", prior))
	}
	if prior > 1 {
		return false
	}

	if outstanding := p.AllocatedBytes(); outstanding > 0 {
		level.Warn(p.logger).Log("msg", "pool released with outstanding allocations", "bytes", outstanding)
	}
	p.marker1 = ^poolMarker
	if err := p.source.Free(p.state); err != nil {
		level.Error(p.logger).Log("msg", "free provider state", "err", err)
	}
	p.state = nil
	level.Debug(p.logger).Log("msg", "pool released", "pool", fmt.Sprintf("%p", p))
	return true
}

// ProviderReferences returns the pool's own reference count.
func (p *Pool) ProviderReferences() int32 {
	return p.refs.Load()
}

// State returns the provider-state extension.
func (p *Pool) State() []byte {
	p.verify()
	return p.state
}

// StateLength returns the size of the provider-state extension.
func (p *Pool) StateLength() int {
	p.verify()
	return p.stateLength
}

// HeaderExtLength returns the size of the per-allocation provider-header extension.
func (p *Pool) HeaderExtLength() int {
	p.verify()
	return p.headerExtLength
}

// Layout returns the pool's layout constants.
func (p *Pool) Layout() Layout {
	p.verify()
	return Layout{
		HeaderMagic:          p.headerMagic,
		GuardPattern:         p.guardPattern,
		StateLength:          p.stateLength,
		HeaderExtLength:      p.headerExtLength,
		HeaderAlignedLength:  p.headerAlignedLength,
		HeaderGuardLength:    p.headerGuardLength,
		TrailerAlignedLength: p.trailerAlignedLength,
	}
}

// reserve adds length to the current allocation if the budget allows.
func (p *Pool) reserve(length uint64) bool {
	p.allocationLock.Lock()
	defer p.allocationLock.Unlock()

	limit, current := p.limit.Load(), p.current.Load()
	if limit < current || limit-current < length {
		return false
	}
	p.current.Store(current + length)
	return true
}

// unreserve returns length bytes to the budget.
func (p *Pool) unreserve(length uint64) {
	p.allocationLock.Lock()
	current := p.current.Load()
	if current < length {
		p.allocationLock.Unlock()
		p.raise(fault.New(fault.IllegalValue, "current allocation %d less than length %d", current, length))
	}
	p.current.Store(current - length)
	p.allocationLock.Unlock()
}

// SetAvailableMemory changes the budget. It applies from the next Allocate;
// allocations already made are not affected.
func (p *Pool) SetAvailableMemory(limit uint64) {
	p.verify()
	p.limit.Store(limit)
}

// AvailableMemory returns the current budget.
func (p *Pool) AvailableMemory() uint64 {
	p.verify()
	return p.limit.Load()
}

// AllocatedBytes is the sum of the requested lengths of live allocations.
// Extra references to a block do not count again.
func (p *Pool) AllocatedBytes() uint64 {
	p.verify()
	p.allocationLock.Lock()
	defer p.allocationLock.Unlock()
	return p.current.Load()
}

// Report writes the pool's budget usage and layout constants to w.
func (p *Pool) Report(w io.Writer) error {
	p.verify()

	locked := !p.allocationLock.TryLock()
	if !locked {
		p.allocationLock.Unlock()
	}

	limit := "unbounded"
	if l := p.limit.Load(); l != Unbounded {
		limit = humanize.IBytes(l)
	}

	_, err := fmt.Fprintf(w, "Pool (%p) : hdrMagic %#016x provStateLen %d provHdrLen %d hdrAlgnLen %d hdrGrdLen %d "+
		"trlAlgnLen %d GrdByte %#02x IsLocked %t poolSize %s alloc'd %s refCount %d\n",
		p, p.headerMagic, p.stateLength, p.headerExtLength, p.headerAlignedLength, p.headerGuardLength,
		p.trailerAlignedLength, p.guardPattern, locked, limit,
		humanize.IBytes(p.current.Load()), p.refs.Load())
	return err
}
