package stripecache

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/hupe1980/stripecache/allocator"
	"github.com/hupe1980/stripecache/buffer"
	"github.com/hupe1980/stripecache/cache"
	"github.com/hupe1980/stripecache/codec"
	"github.com/hupe1980/stripecache/source"
	"github.com/hupe1980/stripecache/stream"
)

// PolicyKind selects the eviction policy.
type PolicyKind string

const (
	// PolicyFIFO evicts in insertion order.
	PolicyFIFO PolicyKind = "fifo"
	// PolicyLRU evicts the least recently used buffer first.
	PolicyLRU PolicyKind = "lru"
)

// Config holds the sizing knobs, fixed at construction.
type Config struct {
	// MinAlloc is the smallest allocatable block, a power of two >= 8.
	MinAlloc int
	// MaxAlloc is the largest allocatable block, a power of two <= ArenaSize.
	// It bounds the compression buffer size of streams read through the cache.
	MaxAlloc int
	// ArenaSize is the bytes per arena, a power of two <= 2^31 that divides
	// TotalSize.
	ArenaSize int
	// TotalSize is the upper bound on outstanding allocated bytes across
	// all arenas.
	TotalSize int64
	// Policy selects the eviction policy; default is PolicyLRU.
	Policy PolicyKind
}

// DefaultConfig returns a config suitable for a mid-sized scan node: 128 KiB
// to 16 MiB blocks in 128 MiB arenas, 1 GiB total, LRU eviction.
func DefaultConfig() Config {
	return Config{
		MinAlloc:  128 << 10,
		MaxAlloc:  16 << 20,
		ArenaSize: 128 << 20,
		TotalSize: 1 << 30,
		Policy:    PolicyLRU,
	}
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func (c Config) validate() error {
	switch {
	case c.MinAlloc < 8 || !isPow2(c.MinAlloc):
		return &ConfigError{Field: "MinAlloc", Reason: fmt.Sprintf("%d must be a power of two >= 8", c.MinAlloc)}
	case c.MaxAlloc < c.MinAlloc || !isPow2(c.MaxAlloc):
		return &ConfigError{Field: "MaxAlloc", Reason: fmt.Sprintf("%d must be a power of two >= MinAlloc (%d)", c.MaxAlloc, c.MinAlloc)}
	case c.ArenaSize < c.MaxAlloc || !isPow2(c.ArenaSize) || c.ArenaSize > 1<<31:
		return &ConfigError{Field: "ArenaSize", Reason: fmt.Sprintf("%d must be a power of two in [MaxAlloc (%d), 2^31]", c.ArenaSize, c.MaxAlloc)}
	case c.TotalSize <= 0 || c.TotalSize%int64(c.ArenaSize) != 0:
		return &ConfigError{Field: "TotalSize", Reason: fmt.Sprintf("%d must be a positive multiple of ArenaSize (%d)", c.TotalSize, c.ArenaSize)}
	}
	switch c.Policy {
	case PolicyFIFO, PolicyLRU:
	default:
		return &ConfigError{Field: "Policy", Reason: fmt.Sprintf("unknown policy %q", c.Policy)}
	}
	return nil
}

// Cache is the low-level data cache: a buddy allocator over off-heap
// arenas, a per-file cached-range index, and a policy-driven eviction
// coordinator, wired so that allocation shortfalls evict cold buffers and
// lookups pin buffers eviction must not steal.
type Cache struct {
	cfg     Config
	opts    options
	logger  *Logger
	metrics MetricsCollector

	mem    *allocator.Manager
	alloc  *allocator.Buddy
	policy cache.Policy
	index  *cache.Cache
	coord  *cache.Coordinator

	closed atomic.Bool
}

// New constructs the cache. Configuration violations (for example
// MaxAlloc > ArenaSize) are detected here and prevent startup.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLRU
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:          NoopLogger(),
		metrics:         NoopMetricsCollector{},
		cleanupInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	mem := allocator.NewManager(cfg.TotalSize)
	alloc, err := allocator.New(cfg.MinAlloc, cfg.MaxAlloc, cfg.ArenaSize, cfg.TotalSize, mem)
	if err != nil {
		return nil, err
	}

	var policy cache.Policy
	switch cfg.Policy {
	case PolicyFIFO:
		policy = cache.NewFIFO()
	default:
		policy = cache.NewLRU()
	}

	index := cache.NewCache(policy, alloc, o.cleanupInterval, o.logger.Logger)
	coord := cache.NewCoordinator(index, policy, alloc)

	c := &Cache{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger,
		metrics: o.metrics,
		mem:     mem,
		alloc:   alloc,
		policy:  policy,
		index:   index,
		coord:   coord,
	}
	mem.SetEvictor(func(target int64) int64 {
		evicted := coord.Evict(target)
		c.metrics.RecordEviction(target, evicted)
		return evicted
	})

	c.logger.Info("stripecache: cache up",
		"min_alloc", cfg.MinAlloc, "max_alloc", cfg.MaxAlloc,
		"arena_size", cfg.ArenaSize, "total_size", cfg.TotalSize,
		"policy", string(cfg.Policy))
	return c, nil
}

// AllocateMultiple fills dest with blocks of the smallest power-of-two size
// covering size, evicting cold buffers if the budget requires it.
func (c *Cache) AllocateMultiple(dest []*buffer.Buffer, size int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := c.alloc.AllocateMultiple(dest, size)
	c.metrics.RecordAllocation(len(dest), size, time.Since(start), err)
	return err
}

// Deallocate returns a block to its arena.
func (c *Cache) Deallocate(b *buffer.Buffer) {
	c.alloc.Deallocate(b)
}

// CreateUnallocated returns a placeholder handle with no backing memory.
func (c *Cache) CreateUnallocated() *buffer.Buffer {
	return c.alloc.CreateUnallocated()
}

// GetFileData rewrites the probe ranges into the hit/gap sequence the index
// knows about. Hits come back pinned; release them with ReleaseBuffer.
func (c *Cache) GetFileData(file string, ranges *cache.RangeList, baseOffset int64) {
	start := time.Now()
	c.index.GetFileData(file, ranges, baseOffset)

	hits, misses := 0, 0
	for e := ranges.Front(); e != nil; e = e.Next() {
		if e.IsHit() {
			hits++
		} else if e.IsGap() {
			misses++
		}
	}
	c.metrics.RecordGet(hits, misses, time.Since(start))
}

// PutFileData registers decoded buffers under their ranges. See
// cache.Cache.PutFileData for the conflict mask contract.
func (c *Cache) PutFileData(file string, ranges []cache.Range, bufs []*buffer.Buffer, baseOffset int64) []uint64 {
	start := time.Now()
	mask := c.index.PutFileData(file, ranges, bufs, baseOffset)

	conflicts := 0
	for _, w := range mask {
		conflicts += bits.OnesCount64(w)
	}
	c.metrics.RecordPut(len(bufs), conflicts, time.Since(start))
	return mask
}

// ReleaseBuffer drops one pin.
func (c *Cache) ReleaseBuffer(b *buffer.Buffer) {
	c.index.ReleaseBuffer(b)
}

// NotifyEvicted removes an invalidated buffer from the index and returns
// its memory to the allocator. It is the entry point for the policy's
// eviction drain; tests that force-invalidate buffers also call it.
func (c *Cache) NotifyEvicted(b *buffer.Buffer) {
	c.coord.NotifyEvicted(b)
}

// OpenReader builds a stream reader for one compressed column stream of
// file, served from src and decoded with dec. bufferSize is the writer's
// compression buffer size and must not exceed MaxAlloc.
func (c *Cache) OpenReader(file string, src source.Reader, dec codec.Decompressor, bufferSize int, baseOffset int64) (*stream.Reader, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return stream.NewReader(file, c.index, c.alloc, src, dec, bufferSize, baseOffset, stream.ReaderOptions{
		Controller: c.opts.controller,
		Logger:     c.logger.Logger,
	})
}

// Index exposes the cached-range index for callers that manage their own
// decode path.
func (c *Cache) Index() *cache.Cache { return c.index }

// Stats is a snapshot of cache-wide counters.
type Stats struct {
	UsedBytes     int64
	TotalBytes    int64
	Hits          int64
	Misses        int64
	HitBytes      int64
	MissBytes     int64
	StaleReads    int64
	EvictedBytes  int64
	EvictedBlocks int64
	EvictRounds   int64
}

// Stats returns a snapshot of cache-wide counters.
func (c *Cache) Stats() Stats {
	is := c.index.Stats()
	return Stats{
		UsedBytes:     c.mem.Used(),
		TotalBytes:    c.mem.Total(),
		Hits:          is.Hits,
		Misses:        is.Misses,
		HitBytes:      is.HitBytes,
		MissBytes:     is.MissBytes,
		StaleReads:    is.StaleReads,
		EvictedBytes:  c.coord.EvictedBytes(),
		EvictedBlocks: c.coord.EvictedBlocks(),
		EvictRounds:   c.coord.Rounds(),
	}
}

// DebugDump renders the allocator state, for failure diagnostics.
func (c *Cache) DebugDump() string {
	return c.alloc.DebugDump()
}

// Close stops the cleanup sweeper and unmaps all arenas. The caller must
// guarantee that no buffer handles are still in use; cached bytes become
// invalid immediately.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.index.Close(); err != nil {
		return err
	}
	return c.alloc.Close()
}
