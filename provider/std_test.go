package provider

import (
	"bytes"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/internal/rawmem"
	"github.com/joshuapare/folio/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// providers returns one fresh provider of every kind.
func providers(t *testing.T) map[string]Provider {
	t.Helper()
	std, err := NewStd(StdOptions{})
	require.NoError(t, err)
	dbg, err := NewDebug(DebugOptions{})
	require.NoError(t, err)

	all := map[string]Provider{"std": std, "debug": dbg}
	t.Cleanup(func() {
		for _, p := range all {
			p.ReleaseProvider()
		}
	})
	return all
}

func requireTrap(t *testing.T, kind fault.Kind, fn func()) *fault.Trap {
	t.Helper()
	trap := fault.Catch(fn)
	require.NotNil(t, trap, "expected a %s trap", kind)
	require.Equal(t, kind, trap.Kind, "unexpected trap: %v", trap)
	return trap
}

func requireStats(t *testing.T, want Stats, p Provider) {
	t.Helper()
	if diff := cmp.Diff(want, p.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestProvider_AllocateReleaseSymmetry(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []int{0, 1, 8, 100, 4096} {
				mem, err := p.Allocate(n, nil)
				require.NoError(t, err)
				require.Equal(t, uint64(1), p.OutstandingReferences())
				require.Equal(t, uint64(n), p.AllocatedBytes())

				require.True(t, p.Release(&mem))
				require.Zero(t, p.OutstandingReferences())
				require.Zero(t, p.AllocatedBytes())
			}
			requireStats(t, Stats{}, p)
		})
	}
}

func TestProvider_AcquireBalance(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			finalized := 0
			mem, err := p.Allocate(16, func(pool.Memory) { finalized++ })
			require.NoError(t, err)

			const k = 4
			handles := make([]pool.Memory, k)
			for i := range handles {
				handles[i] = p.Acquire(mem)
				require.Equal(t, uint64(i+2), p.OutstandingReferences())
			}
			requireStats(t, Stats{OutstandingAllocations: 1, OutstandingAcquires: k + 1}, p)

			for i := range handles {
				require.False(t, p.Release(&handles[i]))
				require.Equal(t, uint64(k-i), p.OutstandingReferences())
			}
			require.Zero(t, finalized)

			require.True(t, p.Release(&mem))
			require.Equal(t, 1, finalized)
			requireStats(t, Stats{}, p)
		})
	}
}

func TestProvider_ZeroLength(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			mem, err := p.Allocate(0, nil)
			require.NoError(t, err)
			require.False(t, mem.IsNil())
			require.Zero(t, p.Length(mem))
			require.Zero(t, p.AllocatedBytes())
			p.Release(&mem)
		})
	}
}

func TestProvider_Budget(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p.SetAvailableMemory(64)

			mem, err := p.Allocate(128, nil)
			require.ErrorIs(t, err, pool.ErrOutOfMemory)
			require.True(t, mem.IsNil())
			require.Zero(t, p.AllocatedBytes())
			requireStats(t, Stats{OutOfMemory: 1}, p)

			p.SetAvailableMemory(pool.Unbounded)
		})
	}
}

func TestProvider_Corruption(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			mem, err := p.Allocate(10, nil)
			require.NoError(t, err)

			user := mem.Bytes()
			past := (*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(user)), len(user)))
			before := (*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(user)), -1))

			*past ^= 0xff
			trap := requireTrap(t, fault.UnexpectedState, func() { p.Validate(mem) })
			require.Contains(t, trap.Error(), "memory overrun")
			*past ^= 0xff

			*before ^= 0xff
			trap = requireTrap(t, fault.UnexpectedState, func() { p.Length(mem) })
			require.Contains(t, trap.Error(), "memory underrun")
			*before ^= 0xff

			require.True(t, p.Release(&mem))
		})
	}
}

func TestProvider_ZeroFill(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []int{0, 1, 33, 512} {
				mem, err := p.AllocateAndZero(n, nil)
				require.NoError(t, err)
				require.Equal(t, make([]byte, n), []byte(mem.Bytes()))
				p.Release(&mem)
			}
		})
	}
}

func TestProvider_ReportIdempotent(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			mem, err := p.Allocate(40, nil)
			require.NoError(t, err)
			other := p.Acquire(mem)

			before := p.Stats()
			var first, second bytes.Buffer
			require.NoError(t, p.Report(&first))
			require.NoError(t, p.Report(&second))

			require.Equal(t, first.String(), second.String())
			require.Equal(t, before, p.Stats())
			require.Equal(t, uint64(2), p.OutstandingReferences())
			require.Equal(t, uint64(40), p.AllocatedBytes())
			require.Contains(t, first.String(), "outstanding allocs 1 acquires 2")

			p.Release(&other)
			p.Release(&mem)
		})
	}
}

func TestProvider_Misuse(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			mem, err := p.Allocate(8, nil)
			require.NoError(t, err)
			stale := mem
			p.Release(&mem)

			requireTrap(t, fault.UnexpectedState, func() { p.Release(&stale) })
			requireTrap(t, fault.UnexpectedState, func() { p.Acquire(stale) })
			requireTrap(t, fault.IllegalValue, func() { p.Release(nil) })
			requireStats(t, Stats{}, p)
		})
	}
}

func TestProvider_ConcurrentAcquireRelease(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			mem, err := p.Allocate(64, nil)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 500 {
						h := p.Acquire(mem)
						p.Lock(h)
						h.Bytes()[0]++
						p.Unlock(h)
						p.Release(&h)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, byte(4000%256), mem.Bytes()[0])
			require.Equal(t, uint64(1), p.OutstandingReferences())
			require.True(t, p.Release(&mem))
			requireStats(t, Stats{}, p)
		})
	}
}

func TestProvider_StatsInsideFinalizer(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var seen Stats
			var refs uint64
			mem, err := p.Allocate(8, func(pool.Memory) {
				refs = p.OutstandingReferences()
				seen = p.Stats()
			})
			require.NoError(t, err)
			other := p.Acquire(mem)
			p.Release(&other)

			require.True(t, p.Release(&mem))
			require.Zero(t, refs, "the dying reference is gone before the finalizer runs")
			require.Equal(t, Stats{OutstandingAllocations: 1}, seen)
			requireStats(t, Stats{}, p)
		})
	}
}

func TestProvider_SetFinalizer(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var got []int
			mem, err := p.Allocate(8, nil)
			require.NoError(t, err)

			p.SetFinalizer(mem, func(m pool.Memory) { got = append(got, p.Length(m)) })
			p.Release(&mem)
			require.Equal(t, []int{8}, got)
		})
	}
}

func TestProvider_AcquireRelease(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			extra := p.AcquireProvider()
			require.Same(t, p, extra)
			require.False(t, ReleaseProvider(&extra))
			require.Nil(t, extra)
		})
	}
}

func TestStd_State(t *testing.T) {
	s, err := NewStd(StdOptions{StateLength: 12, Source: rawmem.NewMmap()})
	require.NoError(t, err)

	state := s.State()
	require.Len(t, state, 12)
	copy(state, "provider....")

	mem, err := s.Allocate(1, nil)
	require.NoError(t, err)
	s.Release(&mem)
	assert.Equal(t, "provider....", string(s.State()))

	var p Provider = s
	require.True(t, ReleaseProvider(&p))
	require.Nil(t, p)
	requireTrap(t, fault.CorruptProvider, func() { s.Stats() })
}

func TestStd_NegativeState(t *testing.T) {
	_, err := NewStd(StdOptions{StateLength: -1})
	require.ErrorIs(t, err, pool.ErrBadLength)
}

func TestTestRefCount(t *testing.T) {
	s, err := NewStd(StdOptions{})
	require.NoError(t, err)
	defer s.ReleaseProvider()

	mem, err := s.Allocate(4, nil)
	require.NoError(t, err)
	defer s.Release(&mem)

	var buf bytes.Buffer
	require.True(t, TestRefCount(s, 1, &buf, "unexpected"))
	require.Empty(t, buf.String())

	require.False(t, TestRefCount(s, 0, &buf, "expected %d references, got %d", 0, s.OutstandingReferences()))
	require.Equal(t, "expected 0 references, got 1", buf.String())
}
