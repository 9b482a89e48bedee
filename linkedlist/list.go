// Package linkedlist is a FIFO of reference-counted allocations that is
// itself allocated from a provider.
//
// The list and each of its entries are provider allocations, so they are
// covered by the provider's budget, statistics and leak tracking like any
// other block. Appending acquires a reference to the stored block; removing
// hands that reference to the caller. Releasing the list's last reference
// releases every block still stored.
package linkedlist

import (
	"fmt"
	"io"

	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/pool"
	"github.com/joshuapare/folio/provider"
)

// List is a singly-linked FIFO. The list allocation's lock guards the links.
type List struct {
	p   provider.Provider
	mem pool.Memory

	head, tail *entry
	n          int
}

// entry links are kept out of band: raw blocks are invisible to the garbage
// collector and must not hold Go pointers.
type entry struct {
	mem  pool.Memory
	data pool.Memory
	next *entry
}

// New allocates an empty list from p.
func New(p provider.Provider) (*List, error) {
	l := &List{p: p}
	mem, err := p.AllocateAndZero(0, l.finalize)
	if err != nil {
		return nil, fmt.Errorf("linkedlist: allocate list: %w", err)
	}
	l.mem = mem
	return l, nil
}

// finalize drains the list when its last reference is released.
func (l *List) finalize(pool.Memory) {
	l.p.Lock(l.mem)
	defer l.p.Unlock(l.mem)
	for l.head != nil {
		data := l.popLocked()
		l.p.Release(&data)
	}
}

// Acquire adds a reference to the list.
func (l *List) Acquire() *List {
	l.p.Acquire(l.mem)
	return l
}

// Release drops the reference held through *lp and clears the slot. It
// reports whether the list was reclaimed.
func Release(lp **List) bool {
	if lp == nil || *lp == nil {
		fault.Raise(fault.IllegalValue, "linkedlist: nil list slot")
	}
	l := *lp
	*lp = nil
	mem := l.mem
	return l.p.Release(&mem)
}

// Append stores a new reference to data at the tail.
func (l *List) Append(data pool.Memory) error {
	if data.IsNil() {
		fault.Raise(fault.IllegalValue, "linkedlist: cannot store the nil handle")
	}

	e := &entry{}
	mem, err := l.p.AllocateAndZero(0, func(pool.Memory) { l.p.Release(&e.data) })
	if err != nil {
		return fmt.Errorf("linkedlist: allocate entry: %w", err)
	}
	e.mem = mem
	e.data = l.p.Acquire(data)

	l.p.Lock(l.mem)
	if l.head == nil {
		l.head = e
	} else {
		l.tail.next = e
	}
	l.tail = e
	l.n++
	l.p.Unlock(l.mem)
	return nil
}

// Remove takes the head of the list. The caller owns the returned reference.
// ok is false when the list is empty.
func (l *List) Remove() (data pool.Memory, ok bool) {
	l.p.Lock(l.mem)
	defer l.p.Unlock(l.mem)
	if l.head == nil {
		return pool.Memory{}, false
	}
	return l.popLocked(), true
}

func (l *List) popLocked() pool.Memory {
	e := l.head
	l.head = e.next
	if l.head == nil {
		l.tail = nil
	}
	l.n--

	data := l.p.Acquire(e.data)
	l.p.Release(&e.mem)
	return data
}

// IsEmpty reports whether the list holds no entries.
func (l *List) IsEmpty() bool {
	return l.Len() == 0
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.p.Lock(l.mem)
	defer l.p.Unlock(l.mem)
	return l.n
}

// Display writes the list's links to w.
func (l *List) Display(w io.Writer) error {
	l.p.Lock(l.mem)
	defer l.p.Unlock(l.mem)
	_, err := fmt.Fprintf(w, "List (%p): head %p tail %p len %d\n", l, l.head, l.tail, l.n)
	return err
}
