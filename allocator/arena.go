package allocator

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/stripecache/internal/mmap"
)

// noUnit marks an empty free-list head or a nil intrusive link.
const noUnit = int32(-1)

// arena is one contiguous off-heap region carved into power-of-two blocks.
//
// Bookkeeping is one header byte per minimum-sized unit: zero means "not a
// block head", otherwise the byte encodes the block's relative order and a
// free bit. Free blocks double as free-list nodes; their first 8 bytes hold
// the prev/next unit indexes of the per-order list they are on. That works
// because minAlloc is at least 8 and free memory has no other use.
type arena struct {
	index   int
	data    []byte
	mapping *mmap.Mapping

	mu       sync.Mutex
	headers  []byte  // per minimum unit; 0 = not a block head
	freeHead []int32 // per relative order
	unitSize int     // == minAlloc
}

func headerFree(rel int) byte { return byte((rel+1)<<1 | 1) }
func headerUsed(rel int) byte { return byte((rel + 1) << 1) }

// headerOrder returns the relative order encoded in a non-zero header byte.
func headerOrder(h byte) int { return int(h>>1) - 1 }

func headerIsFree(h byte) bool { return h&1 == 1 }

func newArena(index, arenaSize, unitSize, orders int) (*arena, error) {
	mapping, err := mmap.MapAnon(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("allocator: mapping arena %d: %w", index, err)
	}

	a := &arena{
		index:    index,
		data:     mapping.Bytes(),
		mapping:  mapping,
		headers:  make([]byte, arenaSize/unitSize),
		freeHead: make([]int32, orders),
		unitSize: unitSize,
	}
	for i := range a.freeHead {
		a.freeHead[i] = noUnit
	}

	// The fresh arena is a run of free max-order blocks.
	maxRel := orders - 1
	unitsPerMax := int32(1) << maxRel
	for u := int32(len(a.headers)) - unitsPerMax; u >= 0; u -= unitsPerMax {
		a.pushFree(u, maxRel)
	}
	return a, nil
}

func (a *arena) close() error {
	a.data = nil
	return a.mapping.Close()
}

func (a *arena) linkOffset(u int32) int { return int(u) * a.unitSize }

func (a *arena) prevOf(u int32) int32 {
	off := a.linkOffset(u)
	return int32(binary.LittleEndian.Uint32(a.data[off : off+4]))
}

func (a *arena) nextOf(u int32) int32 {
	off := a.linkOffset(u)
	return int32(binary.LittleEndian.Uint32(a.data[off+4 : off+8]))
}

func (a *arena) setLinks(u, prev, next int32) {
	off := a.linkOffset(u)
	binary.LittleEndian.PutUint32(a.data[off:off+4], uint32(prev))
	binary.LittleEndian.PutUint32(a.data[off+4:off+8], uint32(next))
}

// pushFree marks the block at unit u free at the given order and links it
// at the head of that order's list. Caller holds a.mu.
func (a *arena) pushFree(u int32, rel int) {
	head := a.freeHead[rel]
	a.setLinks(u, noUnit, head)
	if head != noUnit {
		off := a.linkOffset(head)
		binary.LittleEndian.PutUint32(a.data[off:off+4], uint32(u))
	}
	a.freeHead[rel] = u
	a.headers[u] = headerFree(rel)
}

// unlink removes the block at unit u from its order's free list.
// Caller holds a.mu.
func (a *arena) unlink(u int32, rel int) {
	prev, next := a.prevOf(u), a.nextOf(u)
	if prev != noUnit {
		off := a.linkOffset(prev)
		binary.LittleEndian.PutUint32(a.data[off+4:off+8], uint32(next))
	} else {
		a.freeHead[rel] = next
	}
	if next != noUnit {
		off := a.linkOffset(next)
		binary.LittleEndian.PutUint32(a.data[off:off+4], uint32(prev))
	}
}

// allocate carves out one block of the requested relative order, splitting
// the smallest available larger block if needed. Returns the starting unit,
// or noUnit if the arena cannot satisfy the request. Caller holds a.mu.
func (a *arena) allocate(rel int) int32 {
	src := rel
	for src < len(a.freeHead) && a.freeHead[src] == noUnit {
		src++
	}
	if src == len(a.freeHead) {
		return noUnit
	}

	u := a.freeHead[src]
	a.unlink(u, src)

	// Split down, freeing the upper buddy at each step.
	for src > rel {
		src--
		a.pushFree(u+int32(1)<<src, src)
	}
	a.headers[u] = headerUsed(rel)
	return u
}

// free returns the block at unit u to the arena, coalescing with its buddy
// as long as the buddy is free and of equal order. Caller holds a.mu.
func (a *arena) free(u int32, rel int) {
	for rel < len(a.freeHead)-1 {
		buddy := u ^ int32(1)<<rel
		h := a.headers[buddy]
		if h == 0 || !headerIsFree(h) || headerOrder(h) != rel {
			break
		}
		a.unlink(buddy, rel)
		a.headers[buddy] = 0
		if buddy < u {
			a.headers[u] = 0
			u = buddy
		}
		rel++
	}
	a.pushFree(u, rel)
}

// dump renders the free lists for diagnostics. Caller holds a.mu.
func (a *arena) dump(sb *strings.Builder) {
	fmt.Fprintf(sb, "arena %d:", a.index)
	for rel, head := range a.freeHead {
		if head == noUnit {
			continue
		}
		fmt.Fprintf(sb, " order %d: [", rel)
		for u := head; u != noUnit; u = a.nextOf(u) {
			fmt.Fprintf(sb, " %d", u)
		}
		sb.WriteString(" ]")
	}
}
