package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/btree"

	"github.com/hupe1980/stripecache/buffer"
)

// Deallocator returns a buffer's memory to the allocator. Satisfied by
// *allocator.Buddy.
type Deallocator interface {
	Deallocate(b *buffer.Buffer)
}

// entry is one cached interval of a file: [start, end) -> buffer. Entries
// of a file are disjoint; the tree orders them by start offset.
type entry struct {
	start int64
	end   int64
	buf   *buffer.Buffer
}

func entryLess(a, b entry) bool { return a.start < b.start }

// fileCache indexes the cached intervals of a single file: a btree keyed by
// start offset for interval queries, plus a roaring bitmap of start offsets
// that answers "does anything start inside this window" without walking the
// tree. Both are guarded by mu.
type fileCache struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[entry]
	present *roaring64.Bitmap
	// dead is set when the cleanup sweep unmaps an empty fileCache;
	// writers that raced the sweep re-resolve the file.
	dead bool
}

func newFileCache() *fileCache {
	return &fileCache{
		tree:    btree.NewG(16, entryLess),
		present: roaring64.NewBitmap(),
	}
}

// hasStartIn reports whether any entry starts inside [qs, qe).
// Caller holds fc.mu (either mode).
func (fc *fileCache) hasStartIn(qs, qe int64) bool {
	it := fc.present.Iterator()
	it.AdvanceIfNeeded(uint64(qs))
	return it.HasNext() && it.Next() < uint64(qe)
}

// coversFrom reports whether an entry starting before qs reaches into it.
// Caller holds fc.mu (either mode).
func (fc *fileCache) coversFrom(qs int64) bool {
	covers := false
	fc.tree.DescendLessOrEqual(entry{start: qs}, func(it entry) bool {
		covers = it.end > qs
		return false
	})
	return covers
}

// Stats are cumulative cache counters.
type Stats struct {
	HitBytes   int64
	MissBytes  int64
	Hits       int64
	Misses     int64
	StaleReads int64
}

// Cache is the cached-range index: per file, an ordered map of disjoint
// byte intervals to shared buffer handles. Interval queries return cache
// hits interleaved with gap descriptors; puts deduplicate concurrent
// producers through a conflict bitmask.
//
// The global file map is guarded by a read-mostly lock; each per-file index
// has its own lock; pin/unpin runs on the buffers' atomic state words.
type Cache struct {
	policy Policy
	alloc  Deallocator
	logger *slog.Logger

	mu    sync.RWMutex
	files map[string]*fileCache

	// owners maps a cached buffer back to its index key so eviction can
	// drop the entry without scanning.
	omu    sync.Mutex
	owners map[*buffer.Buffer]ownerKey

	hitBytes   atomic.Int64
	missBytes  atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	staleReads atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ownerKey struct {
	file  string
	start int64
}

type staleRef struct {
	start int64
	buf   *buffer.Buffer
}

// NewCache creates the range index. cleanupInterval > 0 starts a background
// sweeper that drops stale entries and prunes empty per-file indexes; pass 0
// to disable it (stale entries are then reclaimed lazily on access).
func NewCache(policy Policy, alloc Deallocator, cleanupInterval time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Cache{
		policy: policy,
		alloc:  alloc,
		logger: logger,
		files:  make(map[string]*fileCache),
		owners: make(map[*buffer.Buffer]ownerKey),
		stop:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Close stops the cleanup sweeper. It does not release cached memory; the
// owning facade deallocates arenas wholesale.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *Cache) file(name string) *fileCache {
	c.mu.RLock()
	fc := c.files[name]
	c.mu.RUnlock()
	return fc
}

func (c *Cache) fileOrCreate(name string) *fileCache {
	if fc := c.file(name); fc != nil {
		return fc
	}
	c.mu.Lock()
	fc := c.files[name]
	if fc == nil {
		fc = newFileCache()
		c.files[name] = fc
	}
	c.mu.Unlock()
	return fc
}

// GetFileData rewrites every gap chunk of ranges into the interleaved
// hit/gap sequence the index knows about, offsetting probe positions by
// baseOffset. Hits are pinned once per probe; invalidated entries found
// along the way count as misses and are dropped opportunistically.
func (c *Cache) GetFileData(file string, ranges *RangeList, baseOffset int64) {
	fc := c.file(file)
	if fc == nil {
		c.countAllMisses(ranges)
		return
	}

	var pinned []*buffer.Buffer
	var stale []staleRef

	fc.mu.RLock()
	for e := ranges.Front(); e != nil; {
		if !e.IsGap() {
			e = e.Next()
			continue
		}
		e = c.weave(fc, ranges, e, baseOffset, &pinned, &stale)
	}
	fc.mu.RUnlock()

	for _, b := range pinned {
		c.policy.NotifyLock(b)
	}
	if len(stale) > 0 {
		c.staleReads.Add(int64(len(stale)))
		c.dropStale(file, fc, stale)
	}
}

func (c *Cache) countAllMisses(ranges *RangeList) {
	for e := ranges.Front(); e != nil; e = e.Next() {
		if e.IsGap() {
			c.misses.Add(1)
			c.missBytes.Add(e.End - e.Offset)
		}
	}
}

// weave resolves one probe chunk against the index. Hits and leading gaps
// are inserted before the probe; the probe itself shrinks to the trailing
// gap or is removed when fully covered. Returns the next chunk to process.
// Caller holds fc.mu.RLock.
func (c *Cache) weave(fc *fileCache, l *RangeList, probe *Elem, base int64,
	pinned *[]*buffer.Buffer, stale *[]staleRef) *Elem {
	qs, qe := probe.Offset+base, probe.End+base

	// Fast path for scan misses: nothing starts inside the window and no
	// earlier entry reaches into it.
	if !fc.hasStartIn(qs, qe) && !fc.coversFrom(qs) {
		c.misses.Add(1)
		c.missBytes.Add(qe - qs)
		return probe.Next()
	}

	var over []entry
	fc.tree.DescendLessOrEqual(entry{start: qs}, func(it entry) bool {
		if it.end > qs {
			over = append(over, it)
		}
		return false
	})
	fc.tree.AscendGreaterOrEqual(entry{start: qs + 1}, func(it entry) bool {
		if it.start >= qe {
			return false
		}
		over = append(over, it)
		return true
	})

	pos := qs
	for _, ent := range over {
		if !ent.buf.IncRef() {
			// Invalidated but not yet removed; treat as absent.
			*stale = append(*stale, staleRef{ent.start, ent.buf})
			continue
		}
		*pinned = append(*pinned, ent.buf)

		hitStart, hitEnd := max(ent.start, qs), min(ent.end, qe)
		if pos < hitStart {
			c.misses.Add(1)
			c.missBytes.Add(hitStart - pos)
			l.InsertBefore(&Elem{Offset: pos - base, End: hitStart - base}, probe)
		}
		c.hits.Add(1)
		c.hitBytes.Add(hitEnd - hitStart)
		l.InsertBefore(&Elem{
			Offset:    hitStart - base,
			End:       hitEnd - base,
			Buffer:    ent.buf,
			BufOffset: hitStart - ent.start,
		}, probe)
		pos = hitEnd
	}

	if pos == qs {
		// Every overlapping entry was stale; the whole probe is a gap.
		c.misses.Add(1)
		c.missBytes.Add(qe - qs)
		return probe.Next()
	}
	if pos < qe {
		c.misses.Add(1)
		c.missBytes.Add(qe - pos)
		probe.Offset = pos - base
		return probe.Next()
	}
	return l.Remove(probe)
}

// dropStale removes entries observed invalidated during a lookup, verifying
// under the exclusive lock that the slot still holds the same handle.
func (c *Cache) dropStale(file string, fc *fileCache, stale []staleRef) {
	fc.mu.Lock()
	for _, s := range stale {
		if cur, ok := fc.tree.Get(entry{start: s.start}); ok && cur.buf == s.buf {
			fc.tree.Delete(entry{start: s.start})
			fc.present.Remove(uint64(s.start))
		}
	}
	fc.mu.Unlock()

	c.omu.Lock()
	for _, s := range stale {
		if c.owners[s.buf] == (ownerKey{file, s.start}) {
			delete(c.owners, s.buf)
		}
	}
	c.omu.Unlock()
}

// PutFileData registers ranges[i] -> bufs[i] (offsets shifted by baseOffset)
// with the index. When a slot is already held by a live entry, the caller's
// pointer is replaced with the existing buffer (pinned once for the caller),
// the corresponding bit of the returned mask is set, and the caller must
// release its duplicate to the allocator. Stale entries are replaced
// silently. Returns nil when there was no conflict.
func (c *Cache) PutFileData(file string, ranges []Range, bufs []*buffer.Buffer, baseOffset int64) []uint64 {
	if len(ranges) != len(bufs) {
		panic("cache: PutFileData with mismatched ranges and buffers")
	}

	var fc *fileCache
	for {
		fc = c.fileOrCreate(file)
		fc.mu.Lock()
		if !fc.dead {
			break
		}
		fc.mu.Unlock()
	}

	var mask []uint64
	for i := range ranges {
		start, end := ranges[i].Offset+baseOffset, ranges[i].End+baseOffset
		for {
			existing, ok := fc.tree.Get(entry{start: start})
			if !ok {
				b := bufs[i]
				b.SetCached()
				fc.tree.ReplaceOrInsert(entry{start: start, end: end, buf: b})
				fc.present.Add(uint64(start))
				c.setOwner(b, file, start)
				c.policy.Cache(b)
				break
			}
			if existing.buf.IncRef() {
				// Live conflict: hand the caller the winner, pinned.
				if mask == nil {
					mask = make([]uint64, (len(ranges)+63)/64)
				}
				mask[i/64] |= 1 << (i % 64)
				bufs[i] = existing.buf
				c.policy.NotifyLock(existing.buf)
				break
			}
			// Stale entry; replace silently.
			fc.tree.Delete(entry{start: start})
			fc.present.Remove(uint64(start))
			c.deleteOwner(existing.buf, file, start)
		}
	}
	fc.mu.Unlock()
	return mask
}

func (c *Cache) setOwner(b *buffer.Buffer, file string, start int64) {
	c.omu.Lock()
	c.owners[b] = ownerKey{file, start}
	c.omu.Unlock()
}

func (c *Cache) deleteOwner(b *buffer.Buffer, file string, start int64) {
	c.omu.Lock()
	if c.owners[b] == (ownerKey{file, start}) {
		delete(c.owners, b)
	}
	c.omu.Unlock()
}

// ReleaseBuffer drops one pin. Cached buffers are reported to the policy so
// LRU can reorder; a never-cached buffer whose last pin is gone goes back to
// the allocator (decode duplicates and bypass reads take this path).
func (c *Cache) ReleaseBuffer(b *buffer.Buffer) {
	rc := b.DecRef()
	if b.Cached() {
		c.policy.NotifyUnlock(b)
	} else if rc == 0 {
		c.alloc.Deallocate(b)
	}
}

// NotifyReused reports that a cached buffer was picked up again by a decode
// pass already holding it, so the policy sees the touch.
func (c *Cache) NotifyReused(b *buffer.Buffer) {
	c.policy.NotifyLock(b)
}

// NotifyEvicted removes the index entry of an invalidated buffer. The
// caller (the eviction coordinator) returns the memory to the allocator.
func (c *Cache) NotifyEvicted(b *buffer.Buffer) {
	c.omu.Lock()
	key, ok := c.owners[b]
	if ok {
		delete(c.owners, b)
	}
	c.omu.Unlock()
	if !ok {
		return
	}

	fc := c.file(key.file)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	if cur, found := fc.tree.Get(entry{start: key.start}); found && cur.buf == b {
		fc.tree.Delete(entry{start: key.start})
		fc.present.Remove(uint64(key.start))
	}
	fc.mu.Unlock()
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		HitBytes:   c.hitBytes.Load(),
		MissBytes:  c.missBytes.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		StaleReads: c.staleReads.Load(),
	}
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep drops entries whose buffers were invalidated and prunes per-file
// indexes that ended up empty.
func (c *Cache) sweep() {
	c.mu.RLock()
	names := make([]string, 0, len(c.files))
	for name := range c.files {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		fc := c.file(name)
		if fc == nil {
			continue
		}

		var stale []staleRef
		fc.mu.RLock()
		fc.tree.Ascend(func(it entry) bool {
			if it.buf.Invalidated() {
				stale = append(stale, staleRef{it.start, it.buf})
			}
			return true
		})
		empty := fc.tree.Len() == len(stale)
		fc.mu.RUnlock()

		if len(stale) > 0 {
			c.logger.Debug("cache: sweeping stale entries", "file", name, "count", len(stale))
			c.dropStale(name, fc, stale)
		}
		if empty {
			c.pruneFile(name, fc)
		}
	}
}

func (c *Cache) pruneFile(name string, fc *fileCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.files[name] != fc {
		return
	}
	fc.mu.Lock()
	if fc.tree.Len() == 0 {
		fc.dead = true
		delete(c.files, name)
	}
	fc.mu.Unlock()
}
