// Package livelist tracks live allocations for leak and corruption sweeps.
package livelist

import (
	"container/list"
	"sync"
)

// Entry is a handle into the list, used to remove an item in O(1).
type Entry = list.Element

// List is a mutex-protected doubly-linked list.
type List[T any] struct {
	mu sync.Mutex
	l  list.List
}

// New returns an empty list.
func New[T any]() *List[T] {
	return &List[T]{}
}

// Append adds v at the tail and returns its entry.
func (ll *List[T]) Append(v T) *Entry {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.l.PushBack(v)
}

// Remove unlinks e and returns its value.
func (ll *List[T]) Remove(e *Entry) T {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.l.Remove(e).(T)
}

// Len returns the number of entries.
func (ll *List[T]) Len() int {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.l.Len()
}

// ForEach calls fn for every entry from head to tail while holding the list
// lock. fn must not modify the list.
func (ll *List[T]) ForEach(fn func(v T)) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	for e := ll.l.Front(); e != nil; e = e.Next() {
		fn(e.Value.(T))
	}
}

// Snapshot copies the current values, head first.
func (ll *List[T]) Snapshot() []T {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	out := make([]T, 0, ll.l.Len())
	for e := ll.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	return out
}
