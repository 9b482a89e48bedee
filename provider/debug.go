package provider

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/internal/backtrace"
	"github.com/joshuapare/folio/internal/livelist"
	"github.com/joshuapare/folio/internal/rawmem"
	"github.com/joshuapare/folio/pool"
)

// DefaultBacktraceDepth is the number of frames recorded per allocation.
const DefaultBacktraceDepth = 10

// In-band provider header of every debug allocation.
const (
	seqOffset         = 0
	framesOffset      = 8
	debugHeaderLength = 16
)

// DebugOptions configures a Debug provider.
type DebugOptions struct {
	// Limit is the budget for user bytes. Zero means pool.Unbounded, so a
	// provider cannot start with a zero budget; use SetAvailableMemory(0).
	Limit uint64

	// StateLength is extra provider state available through State.
	StateLength int

	// BacktraceDepth is the number of frames captured per allocation.
	// Zero means DefaultBacktraceDepth; negative disables capture.
	BacktraceDepth int

	Source rawmem.Source
	Logger log.Logger
}

// Debug is a Std provider that also records a backtrace for every
// allocation and keeps all live allocations on a list.
type Debug struct {
	*Std

	depth  int
	seq    atomic.Uint64
	live   *livelist.List[pool.Memory]
	logger log.Logger
}

var _ Provider = (*Debug)(nil)

// allocation is the out-of-band record a Debug provider attaches to a block.
type allocation struct {
	fini  pool.Finalizer
	trace *backtrace.Backtrace
	entry *livelist.Entry
}

// NewDebug creates a Debug provider holding one reference.
func NewDebug(opts DebugOptions) (*Debug, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	switch {
	case opts.BacktraceDepth == 0:
		opts.BacktraceDepth = DefaultBacktraceDepth
	case opts.BacktraceDepth < 0:
		opts.BacktraceDepth = 0
	}

	p, err := newPool(opts.Limit, opts.StateLength, debugHeaderLength, opts.Source, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Debug{
		Std:    &Std{pool: p, name: "DebugProvider"},
		depth:  opts.BacktraceDepth,
		live:   livelist.New[pool.Memory](),
		logger: opts.Logger,
	}, nil
}

// Allocate implements Provider.
func (d *Debug) Allocate(length int, fini pool.Finalizer) (pool.Memory, error) {
	mem, err := d.Std.Allocate(length, d.finalize)
	return d.track(mem, err, fini)
}

// AllocateAndZero implements Provider.
func (d *Debug) AllocateAndZero(length int, fini pool.Finalizer) (pool.Memory, error) {
	mem, err := d.Std.AllocateAndZero(length, d.finalize)
	return d.track(mem, err, fini)
}

// track records the caller's stack for a fresh allocation and puts it on the
// live list.
func (d *Debug) track(mem pool.Memory, err error, fini pool.Finalizer) (pool.Memory, error) {
	if err != nil {
		return mem, err
	}
	rec := &allocation{fini: fini, trace: backtrace.Capture(d.depth, 2)}

	ext := d.pool.ProviderHeader(mem)
	binary.NativeEndian.PutUint64(ext[seqOffset:], d.seq.Inc())
	binary.NativeEndian.PutUint64(ext[framesOffset:], uint64(rec.trace.Depth()))

	d.pool.Attach(mem, rec)
	rec.entry = d.live.Append(mem)
	return mem, nil
}

// finalize is the engine-level finalizer of every debug allocation. It runs
// the caller's finalizer, then drops the block from the live list before the
// engine reclaims it.
func (d *Debug) finalize(mem pool.Memory) {
	rec := d.record(mem)
	if rec.fini != nil {
		rec.fini(mem)
	}
	d.live.Remove(rec.entry)
	rec.trace, rec.entry = nil, nil
	d.pool.Attach(mem, nil)
}

func (d *Debug) record(mem pool.Memory) *allocation {
	rec, ok := d.pool.Attachment(mem).(*allocation)
	if !ok {
		fault.Raise(fault.UnexpectedState, "memory %p is not tracked by this provider", mem.Bytes())
	}
	return rec
}

// SetFinalizer implements Provider.
func (d *Debug) SetFinalizer(mem pool.Memory, fini pool.Finalizer) {
	d.record(mem).fini = fini
}

// Sequence returns the allocation's sequence number. The first allocation
// of a provider is 1.
func (d *Debug) Sequence(mem pool.Memory) uint64 {
	return binary.NativeEndian.Uint64(d.pool.ProviderHeader(mem)[seqOffset:])
}

// Frames returns the number of frames captured for the allocation.
func (d *Debug) Frames(mem pool.Memory) int {
	return int(binary.NativeEndian.Uint64(d.pool.ProviderHeader(mem)[framesOffset:]))
}

// Backtrace writes the stack captured when mem was allocated.
func (d *Debug) Backtrace(mem pool.Memory, w io.Writer) error {
	rec := d.record(mem)
	_, err := fmt.Fprintf(w, "\nMemory Backtrace (#%d, %d bytes)\n%s\n\n", d.Sequence(mem), d.pool.Length(mem), rec.trace)
	return err
}

// DumpBacktraces writes the backtrace of every live allocation, oldest first.
func (d *Debug) DumpBacktraces(w io.Writer) error {
	var err error
	d.live.ForEach(func(mem pool.Memory) {
		if err == nil {
			err = d.Backtrace(mem, w)
		}
	})
	return err
}

// ValidateAll validates every live allocation.
func (d *Debug) ValidateAll() {
	d.live.ForEach(d.pool.Validate)
}

// Live returns the number of live allocations.
func (d *Debug) Live() int {
	return d.live.Len()
}

// Report implements Provider.
func (d *Debug) Report(w io.Writer) error {
	if err := d.Std.Report(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "DebugProvider: live allocations %d, backtrace depth %d\n", d.Live(), d.depth)
	return err
}

// AcquireProvider implements Provider.
func (d *Debug) AcquireProvider() Provider {
	d.pool.AcquireProvider()
	return d
}

// ReleaseProvider implements Provider. Before the last reference goes, every
// allocation still live is logged with its backtrace.
func (d *Debug) ReleaseProvider() bool {
	if d.pool.ProviderReferences() == 1 {
		d.live.ForEach(func(mem pool.Memory) {
			level.Warn(d.logger).Log("msg", "leaked allocation", "seq", d.Sequence(mem),
				"length", d.pool.Length(mem), "backtrace", d.record(mem).trace.String())
		})
	}
	return d.Std.ReleaseProvider()
}
