// Package stripecache is the low-level data cache of a columnar query
// engine's in-process I/O layer. It sits between on-disk columnar files
// (stripes of per-column compressed streams) and the execution path that
// consumes decoded vectors.
//
// Three subsystems form the core and are deliberately inseparable:
//
//   - a buddy allocator handing out power-of-two blocks from pre-reserved
//     off-heap arenas (package allocator)
//   - a per-file cached-range index answering interval queries with cache
//     hits interleaved with gap descriptors (package cache)
//   - a policy-driven eviction coordinator honoring in-use refcounts
//     (packages cache and buffer)
//
// Allocation failures drive evictions, evictions must lose races against
// concurrent lookups, and lookups pin buffers allocations must not steal.
// The pin/invalidate race is decided by a single CAS on each buffer's state
// word; see package buffer.
//
// Package stream layers the read path on top: it cuts compressed column
// streams into compression blocks, decompresses each into one cache entry,
// and serves repeated scans and overlapping row groups from the index.
// Bytes come from a source.Reader (memory-mapped local files, S3, MinIO).
//
// # Usage
//
//	c, err := stripecache.New(stripecache.DefaultConfig(),
//	    stripecache.WithLogger(stripecache.NewTextLogger(slog.LevelInfo)),
//	)
//	if err != nil { ... }
//	defer c.Close()
//
//	src, _ := source.NewLocalStore("/data/warehouse").Open(ctx, "part-0001.orc")
//	r, _ := c.OpenReader("part-0001.orc", src, codec.Zstd{}, 256<<10, streamBase)
//	bufs, err := r.ReadBlocks(ctx, 0, streamLen)
//	defer r.Release(bufs)
//
// The cache is strictly volatile: nothing is persisted, and nothing is
// shared across processes.
package stripecache
