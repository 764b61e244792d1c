// Package buffer provides the refcounted handle shared between the buddy
// allocator, the cached-range index and the eviction policies.
//
// A Buffer binds a byte slice inside an arena to an atomic state word that
// packs the pin refcount, the cached flag and the invalidated sentinel.
// IncRef and Invalidate operate on the same word, so a lookup that pins a
// buffer and an evictor that invalidates it can never both succeed.
package buffer

import (
	"fmt"
	"sync/atomic"
)

// UnallocatedArena is the arena index of a handle that has no physical
// backing yet (a placeholder created before decompression).
const UnallocatedArena = -1

const (
	// Low 32 bits of the state word hold the refcount as a signed int32;
	// refInvalidated (-1) is the one-way eviction sentinel.
	refMask        = int64(0xFFFFFFFF)
	refInvalidated = int32(-1)

	// cachedBit records that the handle is registered with the range index.
	cachedBit = int64(1) << 32
)

// Buffer is a refcounted descriptor of a power-of-two block inside an arena.
//
// A handle starts Live with refcount 1 (the allocator hands out one pin) or
// Unallocated (Data == nil) when created as a future placeholder. It becomes
// Invalidated at most once, via Invalidate, and never leaves that state.
type Buffer struct {
	// Data is the backing slice inside the owning arena. It is nil while
	// the handle is Unallocated. Its length is the allocated block size.
	Data []byte

	arena  int32
	offset int64

	state atomic.Int64

	// Prev, Next and Listed are the eviction-policy list hooks. They are
	// owned by the policy the buffer is registered with and guarded by
	// that policy's lock; nothing else may touch them.
	Prev, Next *Buffer
	Listed     bool
}

// New returns a Live handle with refcount 1 bound to data inside the arena
// with the given index, at the given byte offset.
func New(arena int, data []byte, offset int64) *Buffer {
	b := &Buffer{}
	b.Attach(arena, data, offset)
	b.state.Store(1)
	return b
}

// NewUnallocated returns a placeholder handle bound to no arena, with
// refcount 1. The stream reader uses it so that handle identity exists
// before the backing memory is allocated and decompressed into.
func NewUnallocated() *Buffer {
	b := &Buffer{arena: UnallocatedArena}
	b.state.Store(1)
	return b
}

// Attach assigns physical backing to the handle (Unallocated -> Live, or
// initialization during allocation). It does not touch the state word.
func (b *Buffer) Attach(arena int, data []byte, offset int64) {
	b.arena = int32(arena)
	b.offset = offset
	b.Data = data
}

// Arena returns the index of the owning arena, or UnallocatedArena.
func (b *Buffer) Arena() int { return int(b.arena) }

// Offset returns the byte offset of the block inside its arena.
func (b *Buffer) Offset() int64 { return b.offset }

// Len returns the number of valid bytes, zero while Unallocated. Writers
// reslice Data after decompression, so Len can be shorter than Capacity.
func (b *Buffer) Len() int { return len(b.Data) }

// Capacity returns the allocated block size (a power of two), which is what
// deallocation and eviction accounting are based on.
func (b *Buffer) Capacity() int { return cap(b.Data) }

func refcount(s int64) int32 { return int32(uint32(s & refMask)) }

func packRef(s int64, rc int32) int64 {
	return (s &^ refMask) | int64(uint32(rc))
}

// IncRef pins the buffer. It fails iff the buffer has been invalidated;
// callers treat that as a cache miss.
func (b *Buffer) IncRef() bool {
	for {
		s := b.state.Load()
		rc := refcount(s)
		if rc < 0 {
			return false
		}
		if b.state.CompareAndSwap(s, packRef(s, rc+1)) {
			return true
		}
	}
}

// DecRef releases one pin and returns the remaining refcount. Releasing an
// unpinned or invalidated buffer is a caller bug and panics.
func (b *Buffer) DecRef() int32 {
	for {
		s := b.state.Load()
		rc := refcount(s)
		if rc <= 0 {
			panic(fmt.Sprintf("buffer: DecRef with refcount %d", rc))
		}
		if b.state.CompareAndSwap(s, packRef(s, rc-1)) {
			return rc - 1
		}
	}
}

// RefCount returns the current refcount; negative means invalidated.
func (b *Buffer) RefCount() int32 { return refcount(b.state.Load()) }

// Invalidate transitions Live(refcount 0) to Invalidated. It fails if the
// buffer is pinned or already invalidated. A concurrent IncRef and a
// concurrent Invalidate race on the state word; exactly one wins.
func (b *Buffer) Invalidate() bool {
	for {
		s := b.state.Load()
		if refcount(s) != 0 {
			return false
		}
		if b.state.CompareAndSwap(s, packRef(s, refInvalidated)) {
			return true
		}
	}
}

// Invalidated reports whether the handle has been evicted.
func (b *Buffer) Invalidated() bool { return refcount(b.state.Load()) < 0 }

// SetCached marks the handle as registered with the range index. Set once,
// under the index lock, when the buffer wins a put.
func (b *Buffer) SetCached() { b.state.Or(cachedBit) }

// Cached reports whether the handle is (or was) registered with the index.
func (b *Buffer) Cached() bool { return b.state.Load()&cachedBit != 0 }

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer{arena: %d, offset: %d, len: %d, refs: %d, cached: %t}",
		b.arena, b.offset, len(b.Data), b.RefCount(), b.Cached())
}
