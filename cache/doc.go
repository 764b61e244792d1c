// Package cache implements the cached-range index of the low-level data
// cache: per file, an ordered map of disjoint byte intervals to refcounted
// buffer handles, with interval queries that return cache hits interleaved
// with gap descriptors.
//
// The package also carries the eviction side of the design: the Policy
// interface with its FIFO and locked-LRU implementations, and the
// Coordinator that turns policy victims back into free allocator memory.
//
// # Locking
//
// The global file map uses a read-mostly RWMutex; each per-file index has
// its own RWMutex (shared for lookups, exclusive for mutation); the policy
// has a single lock around its ordered list; buffer pin/unpin is CAS on the
// handles' state words. The global order is file map, per-file index,
// policy, buffer state. EvictSomeBlocks gathers victims under the policy
// lock but releases it before the listener touches the index, so eviction
// never waits on an index lock while holding the policy lock.
package cache
