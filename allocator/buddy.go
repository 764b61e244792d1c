// Package allocator implements the buddy allocator backing the data cache:
// fixed-capacity off-heap arenas carved into power-of-two blocks, plus the
// memory manager that arbitrates between fresh allocations and evictions.
package allocator

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/stripecache/buffer"
)

// ErrOutOfCapacity is returned when an allocation cannot be satisfied even
// after eviction. Callers may retry, bypass the cache, or abort.
var ErrOutOfCapacity = errors.New("allocator: out of capacity")

// allocAttempts bounds the (evict, retry) rounds of AllocateMultiple before
// the shortage is surfaced to the caller.
const allocAttempts = 5

// Buddy hands out power-of-two blocks between MinAlloc and MaxAlloc from
// lazily created arenas. Each arena has its own lock; a request walks the
// arenas round-robin from a shared hint, and the hint moves to an arena that
// had to take over when the ones before it ran out of room.
type Buddy struct {
	minAlloc  int
	maxAlloc  int
	arenaSize int
	minOrder  int // log2(minAlloc)
	orders    int // number of allocatable orders per arena

	mem *Manager

	mu         sync.Mutex // guards lazy arena creation
	arenas     []atomic.Pointer[arena]
	arenaCount atomic.Int32
	hint       atomic.Uint32
}

// New creates a buddy allocator. minAlloc, maxAlloc and arenaSize must be
// powers of two with 8 <= minAlloc <= maxAlloc <= arenaSize, arenaSize must
// not exceed 2^31, and totalSize must be a multiple of arenaSize.
func New(minAlloc, maxAlloc, arenaSize int, totalSize int64, mem *Manager) (*Buddy, error) {
	switch {
	case minAlloc < 8 || !isPow2(minAlloc):
		return nil, fmt.Errorf("allocator: min alloc %d must be a power of two >= 8", minAlloc)
	case maxAlloc < minAlloc || !isPow2(maxAlloc):
		return nil, fmt.Errorf("allocator: max alloc %d must be a power of two >= min alloc %d", maxAlloc, minAlloc)
	case arenaSize < maxAlloc || !isPow2(arenaSize):
		return nil, fmt.Errorf("allocator: arena size %d must be a power of two >= max alloc %d", arenaSize, maxAlloc)
	case arenaSize > 1<<31:
		return nil, fmt.Errorf("allocator: arena size %d exceeds 2^31", arenaSize)
	case totalSize <= 0 || totalSize%int64(arenaSize) != 0:
		return nil, fmt.Errorf("allocator: total size %d must be a positive multiple of arena size %d", totalSize, arenaSize)
	}

	minOrder := bits.TrailingZeros(uint(minAlloc))
	maxOrder := bits.TrailingZeros(uint(maxAlloc))

	b := &Buddy{
		minAlloc:  minAlloc,
		maxAlloc:  maxAlloc,
		arenaSize: arenaSize,
		minOrder:  minOrder,
		orders:    maxOrder - minOrder + 1,
		mem:       mem,
		arenas:    make([]atomic.Pointer[arena], totalSize/int64(arenaSize)),
	}

	// The first arena is created eagerly so startup failures (e.g. mmap
	// limits) surface at construction rather than on the first read.
	if _, err := b.grow(); err != nil {
		return nil, err
	}
	return b, nil
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

// MinAlloc returns the smallest allocatable block size.
func (b *Buddy) MinAlloc() int { return b.minAlloc }

// MaxAlloc returns the largest allocatable block size.
func (b *Buddy) MaxAlloc() int { return b.maxAlloc }

// relOrder maps a request size to the relative order of the block that
// serves it, rounding up to the next power of two.
func (b *Buddy) relOrder(size int) int {
	if size <= b.minAlloc {
		return 0
	}
	return bits.Len(uint(size-1)) - b.minOrder
}

// CreateUnallocated returns a placeholder handle bound to no arena. The
// stream reader registers these in its output before the backing memory
// exists; AllocateMultiple later attaches real blocks.
func (b *Buddy) CreateUnallocated() *buffer.Buffer {
	return buffer.NewUnallocated()
}

// AllocateMultiple fills dest with blocks of the smallest power-of-two size
// covering size. Capacity is reserved with the memory manager up front
// (which may evict); fragmentation shortfalls trigger bounded additional
// eviction rounds because freed blocks coalesce back into larger ones.
//
// On failure every slot already filled is deallocated again and
// ErrOutOfCapacity is returned; dest contents are undefined.
func (b *Buddy) AllocateMultiple(dest []*buffer.Buffer, size int) error {
	if len(dest) == 0 {
		return nil
	}
	if size <= 0 {
		return fmt.Errorf("allocator: invalid allocation size %d", size)
	}
	if size > b.maxAlloc {
		// Never evict for a request we can not serve.
		return fmt.Errorf("allocator: request of %d exceeds max alloc %d: %w",
			size, b.maxAlloc, ErrOutOfCapacity)
	}

	rel := b.relOrder(size)
	allocSize := b.minAlloc << rel
	if err := b.mem.Reserve(int64(allocSize)*int64(len(dest)), true); err != nil {
		return err
	}

	filled := 0
	for attempt := 0; attempt < allocAttempts; attempt++ {
		// Fill from existing arenas, growing as long as the configured
		// footprint allows; growth does not count against the eviction
		// attempts.
		for {
			filled = b.fillFromArenas(dest, filled, rel, allocSize)
			if filled == len(dest) {
				return nil
			}
			if ok, err := b.grow(); err != nil {
				attempt = allocAttempts
				break
			} else if !ok {
				break
			}
		}
		if attempt >= allocAttempts {
			break
		}

		// Every arena is fragmented or full; freed blocks coalesce, so ask
		// for exactly the shortfall and retry.
		missing := int64(len(dest)-filled) * int64(allocSize)
		b.mem.Evict(missing)
	}

	for i := 0; i < filled; i++ {
		b.Deallocate(dest[i])
		dest[i] = nil
	}
	b.mem.Release(int64(allocSize) * int64(len(dest)-filled))
	return ErrOutOfCapacity
}

// fillFromArenas attempts to fill dest[filled:] round-robin from the hint,
// attaching backing memory to placeholders where present. When an arena
// after the hint serves blocks, the hint moves to it. Returns the new fill
// count.
func (b *Buddy) fillFromArenas(dest []*buffer.Buffer, filled, rel, allocSize int) int {
	count := int(b.arenaCount.Load())
	start := int(b.hint.Load())
	for i := 0; i < count && filled < len(dest); i++ {
		idx := (start + i) % count
		a := b.arenas[idx].Load()
		before := filled
		a.mu.Lock()
		for filled < len(dest) {
			u := a.allocate(rel)
			if u == noUnit {
				break
			}
			off := int64(u) * int64(b.minAlloc)
			data := a.data[off : off+int64(allocSize) : off+int64(allocSize)]
			h := dest[filled]
			if h == nil {
				h = buffer.New(a.index, data, off)
				dest[filled] = h
			} else {
				h.Attach(a.index, data, off)
			}
			filled++
		}
		a.mu.Unlock()
		if i > 0 && filled > before {
			b.hint.Store(uint32(idx))
		}
	}
	return filled
}

// grow creates the next arena if the configured total still has room.
func (b *Buddy) grow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := int(b.arenaCount.Load())
	if idx >= len(b.arenas) {
		return false, nil
	}
	a, err := newArena(idx, b.arenaSize, b.minAlloc, b.orders)
	if err != nil {
		return false, err
	}
	b.arenas[idx].Store(a)
	b.arenaCount.Store(int32(idx + 1))
	return true, nil
}

// Deallocate returns the handle's block to its arena, coalescing with free
// buddies, and releases the bytes with the memory manager. Unallocated
// placeholders are ignored.
func (b *Buddy) Deallocate(h *buffer.Buffer) {
	if h == nil || h.Arena() < 0 || h.Data == nil {
		return
	}
	a := b.arenas[h.Arena()].Load()
	size := h.Capacity()
	rel := b.relOrder(size)
	u := int32(h.Offset() / int64(b.minAlloc))

	a.mu.Lock()
	a.free(u, rel)
	a.mu.Unlock()

	h.Data = nil
	b.mem.Release(int64(size))
}

// Close unmaps all arenas. The caller must guarantee no outstanding handles.
func (b *Buddy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for i := 0; i < int(b.arenaCount.Load()); i++ {
		if err := b.arenas[i].Load().close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DebugDump renders all arena free lists, for failure diagnostics.
func (b *Buddy) DebugDump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "allocator{min: %d, max: %d, arena: %d}", b.minAlloc, b.maxAlloc, b.arenaSize)
	for i := 0; i < int(b.arenaCount.Load()); i++ {
		a := b.arenas[i].Load()
		sb.WriteString("\n  ")
		a.mu.Lock()
		a.dump(&sb)
		a.mu.Unlock()
	}
	return sb.String()
}
