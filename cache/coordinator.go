package cache

import (
	"sync/atomic"

	"github.com/hupe1980/stripecache/buffer"
)

// Coordinator glues the allocator, the policy and the range index together
// for eviction: when a memory reservation falls short, the memory manager
// calls Evict, the policy invalidates victims, and the coordinator (as the
// policy's EvictionListener) unindexes each victim and returns its bytes to
// the allocator.
type Coordinator struct {
	cache  *Cache
	policy Policy
	alloc  Deallocator

	evictedBytes  atomic.Int64
	evictedBlocks atomic.Int64
	rounds        atomic.Int64
}

// NewCoordinator wires an eviction coordinator. Install its Evict method as
// the memory manager's evictor callback.
func NewCoordinator(c *Cache, p Policy, alloc Deallocator) *Coordinator {
	return &Coordinator{cache: c, policy: p, alloc: alloc}
}

// Evict asks the policy to free up to target bytes. It satisfies the
// allocator.Evictor callback shape.
func (co *Coordinator) Evict(target int64) int64 {
	co.rounds.Add(1)
	return co.policy.EvictSomeBlocks(target, co)
}

// NotifyEvicted implements EvictionListener: the buffer has been
// invalidated by the policy, so drop its index entry and free its memory.
func (co *Coordinator) NotifyEvicted(b *buffer.Buffer) {
	co.evictedBlocks.Add(1)
	co.evictedBytes.Add(int64(b.Capacity()))
	co.cache.NotifyEvicted(b)
	co.alloc.Deallocate(b)
}

// EvictedBytes returns the cumulative number of bytes evicted.
func (co *Coordinator) EvictedBytes() int64 { return co.evictedBytes.Load() }

// EvictedBlocks returns the cumulative number of buffers evicted.
func (co *Coordinator) EvictedBlocks() int64 { return co.evictedBlocks.Load() }

// Rounds returns how many eviction rounds have run.
func (co *Coordinator) Rounds() int64 { return co.rounds.Load() }
