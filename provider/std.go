package provider

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"

	"github.com/joshuapare/folio/internal/rawmem"
	"github.com/joshuapare/folio/internal/spin"
	"github.com/joshuapare/folio/pool"
)

// The statistics live at the front of the pool's provider-state extension.
const (
	allocsOffset   = 0
	acquiresOffset = 8
	oomOffset      = 16
	statsLength    = 24
)

// StdOptions configures a Std provider.
type StdOptions struct {
	// Limit is the budget for user bytes. Zero means pool.Unbounded, so a
	// provider cannot start with a zero budget; use SetAvailableMemory(0).
	Limit uint64

	// StateLength is extra provider state available through State.
	StateLength int

	Source rawmem.Source
	Logger log.Logger
}

// Std is the provider that keeps only aggregate statistics.
type Std struct {
	pool *pool.Pool
	name string

	// statsLock guards the counters in the pool's state extension.
	statsLock spin.Flag
}

var _ Provider = (*Std)(nil)

// NewStd creates a Std provider holding one reference.
func NewStd(opts StdOptions) (*Std, error) {
	p, err := newPool(opts.Limit, opts.StateLength, 0, opts.Source, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Std{pool: p, name: "StdProvider"}, nil
}

func newPool(limit uint64, stateLength, headerExtLength int, src rawmem.Source, logger log.Logger) (*pool.Pool, error) {
	if stateLength < 0 {
		return nil, pool.ErrBadLength
	}
	return pool.New(pool.Options{
		Limit:           limit,
		StateLength:     statsLength + stateLength,
		HeaderExtLength: headerExtLength,
		Source:          src,
		Logger:          logger,
	})
}

// Pool returns the engine behind the provider.
func (s *Std) Pool() *pool.Pool { return s.pool }

// State returns the caller's part of the provider-state extension.
func (s *Std) State() []byte {
	return s.pool.State()[statsLength:]
}

func bump(state []byte, offset int, delta int64) {
	binary.NativeEndian.PutUint64(state[offset:], binary.NativeEndian.Uint64(state[offset:])+uint64(delta))
}

func (s *Std) add(offset int, delta int64) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	bump(s.pool.State(), offset, delta)
}

func (s *Std) counter(offset int) uint64 {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return binary.NativeEndian.Uint64(s.pool.State()[offset:])
}

// Stats returns a consistent copy of the counters.
func (s *Std) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	state := s.pool.State()
	return Stats{
		OutstandingAllocations: binary.NativeEndian.Uint64(state[allocsOffset:]),
		OutstandingAcquires:    binary.NativeEndian.Uint64(state[acquiresOffset:]),
		OutOfMemory:            binary.NativeEndian.Uint64(state[oomOffset:]),
	}
}

func (s *Std) allocated(err error) {
	switch {
	case err == nil:
		s.statsLock.Lock()
		state := s.pool.State()
		bump(state, allocsOffset, 1)
		bump(state, acquiresOffset, 1)
		s.statsLock.Unlock()
	case errors.Is(err, pool.ErrOutOfMemory):
		s.add(oomOffset, 1)
	}
}

// Allocate implements Provider.
func (s *Std) Allocate(length int, fini pool.Finalizer) (pool.Memory, error) {
	mem, err := s.pool.Allocate(length, fini)
	s.allocated(err)
	return mem, err
}

// AllocateAndZero implements Provider.
func (s *Std) AllocateAndZero(length int, fini pool.Finalizer) (pool.Memory, error) {
	mem, err := s.pool.AllocateAndZero(length, fini)
	s.allocated(err)
	return mem, err
}

// Acquire implements Provider.
func (s *Std) Acquire(mem pool.Memory) pool.Memory {
	mem = s.pool.Acquire(mem)
	s.add(acquiresOffset, 1)
	return mem
}

// Release implements Provider. The reference leaves OutstandingReferences
// before the finalizer runs; the allocation leaves the stats once reclaimed.
func (s *Std) Release(mem *pool.Memory) bool {
	if mem != nil {
		s.pool.Validate(*mem)
		s.add(acquiresOffset, -1)
	}
	final := s.pool.Release(mem)
	if final {
		s.add(allocsOffset, -1)
	}
	return final
}

// Length implements Provider.
func (s *Std) Length(mem pool.Memory) int { return s.pool.Length(mem) }

// Validate implements Provider.
func (s *Std) Validate(mem pool.Memory) { s.pool.Validate(mem) }

// Lock implements Provider.
func (s *Std) Lock(mem pool.Memory) { s.pool.Lock(mem) }

// Unlock implements Provider.
func (s *Std) Unlock(mem pool.Memory) { s.pool.Unlock(mem) }

// SetFinalizer implements Provider.
func (s *Std) SetFinalizer(mem pool.Memory, fini pool.Finalizer) { s.pool.SetFinalizer(mem, fini) }

// Display implements Provider.
func (s *Std) Display(mem pool.Memory, w io.Writer) error { return s.pool.Display(mem, w) }

// OutstandingReferences implements Provider.
func (s *Std) OutstandingReferences() uint64 { return s.counter(acquiresOffset) }

// AllocatedBytes implements Provider.
func (s *Std) AllocatedBytes() uint64 { return s.pool.AllocatedBytes() }

// SetAvailableMemory implements Provider.
func (s *Std) SetAvailableMemory(limit uint64) { s.pool.SetAvailableMemory(limit) }

// Report implements Provider.
func (s *Std) Report(w io.Writer) error {
	st := s.Stats()
	if _, err := fmt.Fprintf(w, "\n%s: outstanding allocs %d acquires %d, currentAllocation %s, out of memory %d\n",
		s.name, st.OutstandingAllocations, st.OutstandingAcquires,
		humanize.IBytes(s.pool.AllocatedBytes()), st.OutOfMemory); err != nil {
		return err
	}
	return s.pool.Report(w)
}

// AcquireProvider implements Provider.
func (s *Std) AcquireProvider() Provider {
	s.pool.AcquireProvider()
	return s
}

// ReleaseProvider implements Provider.
func (s *Std) ReleaseProvider() bool {
	return s.pool.ReleaseProvider()
}
