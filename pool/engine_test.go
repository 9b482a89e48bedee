package pool

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/internal/guard"
	"github.com/joshuapare/folio/internal/rawmem"
)

func TestAllocate_ReleaseSymmetry(t *testing.T) {
	p := newTestPool(t, Options{})

	for _, n := range []int{0, 1, 7, 8, 9, 64, 1000, 4097} {
		mem, err := p.Allocate(n, nil)
		require.NoError(t, err, "length %d", n)
		require.False(t, mem.IsNil())
		require.Equal(t, n, p.Length(mem))
		require.Len(t, mem.Bytes(), n)
		require.Equal(t, n, cap(mem.Bytes()), "user slice must not expose the trailer guard")
		require.Equal(t, uint64(n), p.AllocatedBytes())

		require.True(t, p.Release(&mem), "length %d", n)
		require.True(t, mem.IsNil(), "release must clear the slot")
		require.Zero(t, p.AllocatedBytes(), "length %d", n)
	}
}

func TestAllocate_ZeroLength(t *testing.T) {
	p := newTestPool(t, Options{})

	mem, err := p.Allocate(0, nil)
	require.NoError(t, err)
	require.False(t, mem.IsNil())
	require.Zero(t, p.Length(mem))
	require.Zero(t, p.AllocatedBytes())
	block, err := p.Layout().BlockLength(0)
	require.NoError(t, err)
	require.Len(t, mem.hdr.raw, block)

	p.Validate(mem)
	require.True(t, p.Release(&mem))
}

func TestAllocate_Negative(t *testing.T) {
	p := newTestPool(t, Options{})
	requireTrap(t, fault.IllegalValue, func() { _, _ = p.Allocate(-1, nil) })
	require.Zero(t, p.AllocatedBytes())
}

type failingSource struct{}

var errNoMemory = errors.New("no memory")

func (failingSource) Alloc(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errNoMemory
}

func (failingSource) Free([]byte) error { return nil }

func TestAllocate_SourceFailure(t *testing.T) {
	p := newTestPool(t, Options{Source: failingSource{}})

	_, err := p.Allocate(16, nil)
	require.ErrorIs(t, err, errNoMemory)
	require.Zero(t, p.AllocatedBytes(), "failed allocation must return its budget")
}

func TestAllocate_Mmap(t *testing.T) {
	p := newTestPool(t, Options{Source: rawmem.NewMmap(), StateLength: 64, HeaderExtLength: 16})

	mem, err := p.Allocate(5000, nil)
	require.NoError(t, err)
	for i := range mem.Bytes() {
		mem.Bytes()[i] = byte(i)
	}
	p.Validate(mem)
	require.True(t, p.Release(&mem))
}

func TestAllocateAndZero(t *testing.T) {
	src := rawmem.NewHeap()
	p := newTestPool(t, Options{Source: dirtySource{src}})

	for _, n := range []int{0, 1, 15, 256} {
		mem, err := p.AllocateAndZero(n, nil)
		require.NoError(t, err)
		require.Equal(t, make([]byte, n), []byte(mem.Bytes()), "length %d", n)
		p.Release(&mem)
	}
}

// dirtySource hands out blocks filled with garbage.
type dirtySource struct{ rawmem.Source }

func (d dirtySource) Alloc(n int) ([]byte, error) {
	b, err := d.Source.Alloc(n)
	for i := range b {
		b[i] = 0x5a
	}
	return b, err
}

func TestAcquire_Balance(t *testing.T) {
	p := newTestPool(t, Options{})

	finalized := 0
	mem, err := p.Allocate(32, func(Memory) { finalized++ })
	require.NoError(t, err)

	const k = 5
	handles := make([]Memory, k)
	for i := range handles {
		handles[i] = p.Acquire(mem)
		require.Equal(t, int32(i+2), p.References(mem))
	}

	for i := range handles {
		require.False(t, p.Release(&handles[i]))
		require.Equal(t, 0, finalized, "finalizer ran with references outstanding")
	}
	require.Equal(t, int32(1), p.References(mem))

	require.True(t, p.Release(&mem))
	require.Equal(t, 1, finalized)
}

func TestFinalizer_ExactlyOnce(t *testing.T) {
	p := newTestPool(t, Options{})

	var calls []Memory
	mem, err := p.Allocate(8, func(m Memory) { calls = append(calls, m) })
	require.NoError(t, err)
	hdr := mem.hdr

	other := p.Acquire(mem)
	p.Release(&other)
	require.Empty(t, calls)

	p.Release(&mem)
	require.Len(t, calls, 1)
	require.Same(t, hdr, calls[0].hdr)
}

func TestFinalizer_Window(t *testing.T) {
	p := newTestPool(t, Options{})

	var (
		length    int
		acquire   *fault.Trap
		displayed bytes.Buffer
	)
	mem, err := p.Allocate(24, func(m Memory) {
		p.Validate(m)
		length = p.Length(m)
		p.Lock(m)
		p.Unlock(m)
		_ = p.Display(m, &displayed)
		acquire = fault.Catch(func() { p.Acquire(m) })
	})
	require.NoError(t, err)

	require.True(t, p.Release(&mem))
	require.Equal(t, 24, length)
	require.Contains(t, displayed.String(), "refCount 0")
	require.NotNil(t, acquire, "acquire inside a finalizer must trap")
	require.Equal(t, fault.UnrecoverableState, acquire.Kind)
	require.Zero(t, p.AllocatedBytes())
}

func TestFinalizer_ValidateFromOtherGoroutine(t *testing.T) {
	p := newTestPool(t, Options{})

	var trap *fault.Trap
	mem, err := p.Allocate(16, func(m Memory) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			trap = fault.Catch(func() { p.Validate(m) })
		}()
		<-done
	})
	require.NoError(t, err)

	require.True(t, p.Release(&mem))
	require.Nil(t, trap, "a block with a zero count is valid while it finalizes")
}

func TestFinalizer_ReleasesNested(t *testing.T) {
	p := newTestPool(t, Options{})

	inner, err := p.Allocate(16, nil)
	require.NoError(t, err)

	outer, err := p.Allocate(16, func(Memory) { p.Release(&inner) })
	require.NoError(t, err)

	p.Release(&outer)
	require.True(t, inner.IsNil())
	require.Zero(t, p.AllocatedBytes())
}

func TestSetFinalizer(t *testing.T) {
	p := newTestPool(t, Options{})

	ran := ""
	mem, err := p.Allocate(8, func(Memory) { ran = "first" })
	require.NoError(t, err)

	p.SetFinalizer(mem, func(Memory) { ran = "second" })
	p.Release(&mem)
	require.Equal(t, "second", ran)
}

func TestValidate_Overrun(t *testing.T) {
	for _, n := range []int{0, 1, guard.Width, 13} {
		p := newTestPool(t, Options{})
		mem, err := p.Allocate(n, nil)
		require.NoError(t, err)

		hal := p.Layout().HeaderAlignedLength
		mem.hdr.raw[hal+n] ^= 0xff

		trap := requireTrap(t, fault.UnexpectedState, func() { p.Validate(mem) })
		require.Contains(t, trap.Error(), "memory overrun")
		require.NotEmpty(t, trap.Dump)

		requireTrap(t, fault.UnexpectedState, func() { p.Release(&mem) })
	}
}

func TestValidate_TrailerMagic(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(10, nil)
	require.NoError(t, err)

	raw := mem.hdr.raw
	raw[len(raw)-1] ^= 0xff

	trap := requireTrap(t, fault.UnexpectedState, func() { p.Validate(mem) })
	require.Contains(t, trap.Error(), "memory overrun")
}

func TestValidate_Underrun(t *testing.T) {
	for _, ext := range []int{0, 16} {
		p := newTestPool(t, Options{HeaderExtLength: ext})
		mem, err := p.Allocate(32, nil)
		require.NoError(t, err)

		hal := p.Layout().HeaderAlignedLength
		mem.hdr.raw[hal-1] ^= 0xff

		trap := requireTrap(t, fault.UnexpectedState, func() { p.Validate(mem) })
		require.Contains(t, trap.Error(), "memory underrun")
		require.NotEmpty(t, trap.Dump)
	}
}

func TestValidate_HeaderMagic(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)

	mem.hdr.raw[magic2Offset] ^= 0x01
	requireTrap(t, fault.UnexpectedState, func() { p.Length(mem) })
}

func TestValidate_CrossPool(t *testing.T) {
	a := newTestPool(t, Options{})
	b := newTestPool(t, Options{})

	mem, err := a.Allocate(8, nil)
	require.NoError(t, err)
	defer a.Release(&mem)

	trap := requireTrap(t, fault.UnexpectedState, func() { b.Validate(mem) })
	require.Contains(t, trap.Error(), "invalid header")
	requireTrap(t, fault.UnexpectedState, func() { b.Acquire(mem) })
	require.Equal(t, int32(1), a.References(mem))
}

func TestValidate_ProviderHeaderWrites(t *testing.T) {
	p := newTestPool(t, Options{HeaderExtLength: 16})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)
	defer p.Release(&mem)

	ext := p.ProviderHeader(mem)
	require.Len(t, ext, 16)
	require.Equal(t, 16, cap(ext))
	for i := range ext {
		ext[i] = 0xee
	}
	p.Validate(mem)
}

func TestRelease_Misuse(t *testing.T) {
	p := newTestPool(t, Options{})

	t.Run("nil slot", func(t *testing.T) {
		requireTrap(t, fault.IllegalValue, func() { p.Release(nil) })
	})

	t.Run("nil handle", func(t *testing.T) {
		var mem Memory
		requireTrap(t, fault.IllegalValue, func() { p.Release(&mem) })
		requireTrap(t, fault.IllegalValue, func() { p.Validate(mem) })
	})

	t.Run("double release", func(t *testing.T) {
		mem, err := p.Allocate(8, nil)
		require.NoError(t, err)
		stale := mem

		require.True(t, p.Release(&mem))
		trap := requireTrap(t, fault.UnexpectedState, func() { p.Release(&stale) })
		require.Contains(t, trap.Error(), "invalid header")
	})

	t.Run("acquire after free", func(t *testing.T) {
		mem, err := p.Allocate(8, nil)
		require.NoError(t, err)
		stale := mem

		p.Release(&mem)
		requireTrap(t, fault.UnexpectedState, func() { p.Acquire(stale) })
		require.Nil(t, stale.Bytes())
	})

	require.Zero(t, p.AllocatedBytes())
}

func TestAcquireRelease_Concurrent(t *testing.T) {
	p := newTestPool(t, Options{})

	finalized := 0
	mem, err := p.Allocate(64, func(Memory) { finalized++ })
	require.NoError(t, err)

	const workers, rounds = 8, 1000
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				h := p.Acquire(mem)
				p.Validate(h)
				p.Release(&h)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), p.References(mem))
	require.Zero(t, finalized)
	require.True(t, p.Release(&mem))
	require.Equal(t, 1, finalized)
}

func TestAllocate_ConcurrentBudget(t *testing.T) {
	p := newTestPool(t, Options{Limit: 1000})

	const workers = 16
	results := make([]Memory, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mem, err := p.Allocate(100, nil)
			if err == nil {
				results[i] = mem
			}
		}()
	}
	wg.Wait()

	granted := 0
	for i := range results {
		if !results[i].IsNil() {
			granted++
			p.Release(&results[i])
		}
	}
	require.Equal(t, 10, granted)
	require.Zero(t, p.AllocatedBytes())
}

func TestLock(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)
	defer p.Release(&mem)

	counter := 0
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				p.Lock(mem)
				counter++
				p.Unlock(mem)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 2000, counter)
}

func TestUnlock_WrongGoroutine(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)
	defer p.Release(&mem)

	p.Lock(mem)

	done := make(chan *fault.Trap)
	go func() {
		done <- fault.Catch(func() { p.Unlock(mem) })
	}()
	trap := <-done
	require.NotNil(t, trap)
	require.Equal(t, fault.CannotObtainLock, trap.Kind)

	p.Unlock(mem)
	requireTrap(t, fault.CannotObtainLock, func() { p.Unlock(mem) })
}

func TestAttachment(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)

	require.Nil(t, p.Attachment(mem))
	p.Attach(mem, "tag")
	assert.Equal(t, "tag", p.Attachment(mem))
	p.Release(&mem)
}

func TestDisplay(t *testing.T) {
	p := newTestPool(t, Options{})
	mem, err := p.Allocate(8, nil)
	require.NoError(t, err)
	defer p.Release(&mem)

	var buf bytes.Buffer
	require.NoError(t, p.Display(mem, &buf))
	assert.Contains(t, buf.String(), "len 8")
	assert.Contains(t, buf.String(), "refCount 1")
	assert.Contains(t, buf.String(), "{Trailer : mgk3")
}
