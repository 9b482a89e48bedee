// Package pool is the layout and bookkeeping engine shared by every memory
// provider.
//
// # Overview
//
// A Pool hands out reference-counted blocks of memory. Each block is one
// independent request to a raw memory source; nothing is reused or split.
// The engine's job is the bookkeeping around the user bytes: a budget,
// a reference count, an optional finalizer, a per-block lock and guard
// regions that expose stray writes.
//
// # Block Layout
//
// Every raw block is laid out as:
//
//	| record | provider ext | header guard | user data | trailer guard | magic3 |
//	|<------ Layout.HeaderAlignedLength -->|<-- len -->|<-- 1..Width -->|<- 8 ->|
//
// The record holds magic1, the requested length and magic2. Both magics and
// magic3 equal the pool's random header magic, so a block from another pool
// never validates. Guard bytes are filled with the pool's guard pattern. The
// header is always padded with at least one guard byte and the user data is
// always followed by at least one, so a single-byte underrun or overrun is
// caught by the next validation.
//
// # Handles
//
// Callers never see raw blocks. Allocate returns a Memory handle; its Bytes
// method exposes exactly the requested length (len == cap). All operations
// take the handle and reach the out-of-band Header through it.
//
// # Reference Counting
//
//	mem, err := p.Allocate(64, nil)   // refs = 1
//	other := p.Acquire(mem)           // refs = 2
//	p.Release(&mem)                   // refs = 1, mem is now the zero handle
//	p.Release(&other)                 // refs = 0: finalizer runs, block freed
//
// A release or acquire that observes a prior count below one is a
// use-after-free and raises a fault.Trap. So does every failed validation.
// Running out of budget is not a trap: Allocate returns ErrOutOfMemory.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Reference counts are atomic;
// the budget is updated under a spin flag. The per-block Lock protects the
// block's contents for callers that need it and is unrelated to the count.
package pool
