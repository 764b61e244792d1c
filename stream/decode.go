package stream

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/stripecache/allocator"
	"github.com/hupe1980/stripecache/buffer"
	"github.com/hupe1980/stripecache/cache"
	"github.com/hupe1980/stripecache/codec"
	"github.com/hupe1980/stripecache/queue"
)

// headerSize is the compression block header: one flag bit plus a 23-bit
// block length, little-endian across three bytes.
const headerSize = 3

// parseHeader decodes the 3-byte block header. isOriginal means the block
// bytes are stored uncompressed (passthrough).
func parseHeader(b []byte) (isOriginal bool, chunkLength int) {
	b0, b1, b2 := int(b[0]), int(b[1]), int(b[2])
	return b0&0x01 == 1, (b2 << 15) | (b1 << 7) | (b0 >> 1)
}

// decodeItem is one compression block queued for decompression: the
// consolidated compressed bytes, the future cache buffer they decompress
// into, and the block's extent in the compressed stream (header included).
type decodeItem struct {
	start, end int64
	isOriginal bool
	src        []byte
	target     *buffer.Buffer
	elem       *cache.Elem
	outIdx     int
}

// Decoder materializes compression-block-sized cache entries from range
// lists: cache hits pass through, raw byte chunks are cut into blocks,
// decompressed into freshly allocated buffers, and registered with the
// cached-range index.
type Decoder struct {
	cache      *cache.Cache
	alloc      *allocator.Buddy
	dec        codec.Decompressor
	bufferSize int
	workers    int
}

// NewDecoder creates a decoder. bufferSize is the writer's compression
// buffer size: the upper bound of any block's uncompressed length, and the
// allocation size of every cache entry. workers bounds the parallel
// decompression fan-out; values below 1 mean sequential.
func NewDecoder(c *cache.Cache, alloc *allocator.Buddy, dec codec.Decompressor, bufferSize, workers int) (*Decoder, error) {
	if bufferSize <= 0 || bufferSize > alloc.MaxAlloc() {
		return nil, fmt.Errorf("stream: buffer size %d not allocatable (max %d)", bufferSize, alloc.MaxAlloc())
	}
	if workers < 1 {
		workers = 1
	}
	return &Decoder{cache: c, alloc: alloc, dec: dec, bufferSize: bufferSize, workers: workers}, nil
}

// Decode walks ranges from startOffset to endOffset (stream offsets; pass
// endOffset < 0 to consume the whole list) and returns the cache buffers of
// every compression block in input order, each carrying one pin owned by
// the caller.
//
// Raw chunks in the list are rewritten into hit chunks as their blocks are
// decoded, so overlapping row groups sharing the list see the cached form.
// On error every buffer this call created is returned to the allocator;
// chunks already rewritten in the list are not restored, and hits pinned by
// an earlier index lookup remain pinned.
func (d *Decoder) Decode(ctx context.Context, file string, ranges *cache.RangeList, baseOffset, startOffset, endOffset int64) ([]*buffer.Buffer, error) {
	cur := findBlockStart(ranges, startOffset)
	if cur == nil {
		return nil, fmt.Errorf("%w: offset %d not in range list", ErrInvalidSeek, startOffset)
	}
	if cur.Offset != startOffset {
		// Blocks are cached whole; a decode must begin at a block start.
		return nil, fmt.Errorf("%w: offset %d is inside a block starting at %d", ErrInvalidSeek, startOffset, cur.Offset)
	}

	var (
		out  []*buffer.Buffer
		work []*decodeItem
		err  error
	)
	pos := startOffset
	for cur != nil {
		if cur.IsHit() {
			if !cur.Reused {
				cur.Reused = true
				d.cache.NotifyReused(cur.Buffer)
			}
			out = append(out, cur.Buffer)
			pos = cur.End
		} else if cur.IsGap() {
			err = fmt.Errorf("%w: unread gap %v", ErrTruncated, cur.Range())
		} else {
			cur, pos, err = d.addBlock(ranges, cur, &work, &out)
		}
		if err != nil {
			d.abort(work)
			return nil, err
		}
		if endOffset >= 0 && pos >= endOffset {
			break
		}
		cur = cur.Next()
	}

	if len(work) == 0 {
		return out, nil
	}

	targets := make([]*buffer.Buffer, len(work))
	for i, it := range work {
		targets[i] = it.target
	}
	if err := d.alloc.AllocateMultiple(targets, d.bufferSize); err != nil {
		d.abort(work)
		return nil, err
	}

	if err := d.decompressAll(ctx, work); err != nil {
		d.abort(work)
		return nil, err
	}

	// Publish. Losers of a concurrent race hand their slot to the winner
	// and return the duplicate block to the allocator.
	keys := make([]cache.Range, len(work))
	bufs := make([]*buffer.Buffer, len(work))
	for i, it := range work {
		keys[i] = cache.Range{Offset: it.start, End: it.end}
		bufs[i] = it.target
	}
	mask := d.cache.PutFileData(file, keys, bufs, baseOffset)
	if mask != nil {
		for i, it := range work {
			if mask[i/64]&(1<<(i%64)) == 0 {
				continue
			}
			winner := bufs[i]
			loser := it.target
			it.elem.Buffer = winner
			out[it.outIdx] = winner
			if loser.DecRef() == 0 {
				d.alloc.Deallocate(loser)
			}
		}
	}
	return out, nil
}

// findBlockStart returns the chunk containing off, or nil.
func findBlockStart(ranges *cache.RangeList, off int64) *cache.Elem {
	for e := ranges.Front(); e != nil; e = e.Next() {
		if e.Offset <= off && off < e.End {
			return e
		}
	}
	return nil
}

// addBlock cuts one compression block out of the raw chunk at cur,
// consolidating across chunks when the block straddles them, and splices a
// placeholder hit (future buffer) into the list. It returns the chunk to
// continue from and the new stream position.
func (d *Decoder) addBlock(ranges *cache.RangeList, cur *cache.Elem, work *[]*decodeItem, out *[]*buffer.Buffer) (*cache.Elem, int64, error) {
	raw := cur.Data
	if len(raw) < headerSize {
		return nil, 0, fmt.Errorf("%w: %d header bytes at offset %d", ErrTruncated, len(raw), cur.Offset)
	}
	isOriginal, chunkLen := parseHeader(raw)
	if chunkLen > d.bufferSize {
		return nil, 0, &BadFormatError{ChunkLength: chunkLen, BufferSize: d.bufferSize}
	}

	blockStart := cur.Offset
	blockEnd := blockStart + headerSize + int64(chunkLen)
	target := d.alloc.CreateUnallocated()
	item := &decodeItem{
		start:      blockStart,
		end:        blockEnd,
		isOriginal: isOriginal,
		target:     target,
		outIdx:     len(*out),
	}

	if len(raw) >= headerSize+chunkLen {
		// The whole block sits in this chunk.
		item.src = raw[headerSize : headerSize+chunkLen : headerSize+chunkLen]
		placeholder := splice(ranges, cur, target, blockStart, blockEnd)
		item.elem = placeholder
		*work = append(*work, item)
		*out = append(*out, target)
		return placeholder, blockEnd, nil
	}

	// The block straddles chunks: consolidate into a contiguous copy.
	tmp := make([]byte, chunkLen)
	n := copy(tmp, raw[headerSize:])
	next := ranges.Remove(cur)
	for n < chunkLen {
		if next == nil {
			return nil, 0, fmt.Errorf("%w: block at %d needs %d more bytes", ErrTruncated, blockStart, chunkLen-n)
		}
		if next.Data == nil {
			return nil, 0, fmt.Errorf("%w: block at %d runs into non-contiguous chunk %v", ErrBadFormat, blockStart, next.Range())
		}
		take := copy(tmp[n:], next.Data)
		n += take
		if take == len(next.Data) {
			next = ranges.Remove(next)
		} else {
			next.Offset += int64(take)
			next.Data = next.Data[take:]
		}
	}
	item.src = tmp

	placeholder := &cache.Elem{Offset: blockStart, End: blockEnd}
	setHitFields(placeholder, target)
	if next != nil {
		ranges.InsertBefore(placeholder, next)
	} else {
		ranges.PushBack(placeholder)
	}
	item.elem = placeholder
	*work = append(*work, item)
	*out = append(*out, target)
	return placeholder, blockEnd, nil
}

// splice replaces the [blockStart, blockEnd) prefix of the raw chunk at cur
// with a placeholder hit bound to b and returns the placeholder.
func splice(ranges *cache.RangeList, cur *cache.Elem, b *buffer.Buffer, blockStart, blockEnd int64) *cache.Elem {
	if blockEnd == cur.End {
		// Chunk fully consumed; rewrite it in place.
		setHitFields(cur, b)
		return cur
	}
	ph := &cache.Elem{Offset: blockStart, End: blockEnd}
	setHitFields(ph, b)
	ranges.InsertBefore(ph, cur)
	cur.Offset = blockEnd
	cur.Data = cur.Data[blockEnd-blockStart:]
	return ph
}

// decompressAll runs the decode stage: blocks flow through a bounded queue
// into a small worker pool, each decompressing (or copying, for
// passthrough) into its own target buffer. Output order is unaffected
// because every block owns a distinct target.
func (d *Decoder) decompressAll(ctx context.Context, work []*decodeItem) error {
	workers := min(d.workers, len(work))
	if workers == 1 {
		for _, it := range work {
			if err := d.decodeOne(it); err != nil {
				return err
			}
		}
		return nil
	}

	q := queue.NewBounded[*decodeItem](workers * 2)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				it, ok := q.Pop(gctx)
				if !ok {
					return gctx.Err()
				}
				if err := d.decodeOne(it); err != nil {
					return err
				}
			}
		})
	}
	for _, it := range work {
		if err := q.Push(gctx, it); err != nil {
			break // a worker failed; its error surfaces from Wait
		}
	}
	q.Close()
	return g.Wait()
}

func (d *Decoder) decodeOne(it *decodeItem) error {
	b := it.target
	if it.isOriginal {
		n := copy(b.Data, it.src)
		b.Data = b.Data[:n]
		return nil
	}
	n, err := d.dec.Decompress(b.Data, it.src)
	if err != nil {
		return fmt.Errorf("%w: block at %d: %v", ErrBadFormat, it.start, err)
	}
	b.Data = b.Data[:n]
	return nil
}

// abort returns every buffer created by this decode pass to the allocator.
// None of them were published, so dropping the allocator pin is enough.
func (d *Decoder) abort(work []*decodeItem) {
	for _, it := range work {
		if it.target.Data != nil {
			if it.target.DecRef() == 0 {
				d.alloc.Deallocate(it.target)
			}
		}
	}
}

// setHitFields rewrites a chunk into a hit on b, claimed by this pass.
func setHitFields(e *cache.Elem, b *buffer.Buffer) {
	e.Data = nil
	e.Buffer = b
	e.BufOffset = 0
	e.Reused = true
}
