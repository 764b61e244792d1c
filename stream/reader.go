package stream

import (
	"context"
	"log/slog"

	"github.com/hupe1980/stripecache/allocator"
	"github.com/hupe1980/stripecache/buffer"
	"github.com/hupe1980/stripecache/cache"
	"github.com/hupe1980/stripecache/codec"
	"github.com/hupe1980/stripecache/resource"
	"github.com/hupe1980/stripecache/source"
)

// ReaderOptions tune a stream reader.
type ReaderOptions struct {
	// Controller, if set, rate-limits storage reads and bounds the decode
	// worker fan-out.
	Controller *resource.Controller

	// Workers overrides the decode worker count; 0 takes the controller's
	// budget (or 1 without a controller).
	Workers int

	Logger *slog.Logger
}

// Reader is the cold-and-hot read path for one compressed column stream:
// probe the cached-range index, fetch the gaps from storage, decode the
// missing compression blocks, and publish them back to the index.
type Reader struct {
	file    string
	cache   *cache.Cache
	dec     *Decoder
	src     source.Reader
	ctrl    *resource.Controller
	logger  *slog.Logger
	baseOff int64
}

// NewReader binds a reader to one file's compressed stream. baseOffset is
// added to every stream offset to form index keys, so several streams of
// one file can share the cache without colliding.
func NewReader(file string, c *cache.Cache, alloc *allocator.Buddy, src source.Reader,
	dec codec.Decompressor, bufferSize int, baseOffset int64, opts ReaderOptions) (*Reader, error) {
	workers := opts.Workers
	if workers <= 0 {
		if opts.Controller != nil {
			workers = opts.Controller.Workers()
		} else {
			workers = 1
		}
	}
	d, err := NewDecoder(c, alloc, dec, bufferSize, workers)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reader := src
	if opts.Controller != nil {
		reader = source.RateLimited(src, opts.Controller)
	}
	return &Reader{
		file:    file,
		cache:   c,
		dec:     d,
		src:     reader,
		ctrl:    opts.Controller,
		logger:  logger,
		baseOff: baseOffset,
	}, nil
}

// ReadBlocks materializes the compression blocks of the stream region
// [start, end) (stream offsets; start must be a block boundary) and returns
// their cache buffers in block order. Every returned buffer carries one pin
// owned by the caller; release each through Release when decoding downstream
// is done.
func (r *Reader) ReadBlocks(ctx context.Context, start, end int64) ([]*buffer.Buffer, error) {
	_, out, err := r.readList(ctx, start, end)
	return out, err
}

func (r *Reader) readList(ctx context.Context, start, end int64) (*cache.RangeList, []*buffer.Buffer, error) {
	probe := cache.NewProbe(cache.Range{Offset: start, End: end})
	r.cache.GetFileData(r.file, probe, r.baseOff)

	var pinnedHits []*buffer.Buffer
	for e := probe.Front(); e != nil; e = e.Next() {
		if e.IsHit() {
			pinnedHits = append(pinnedHits, e.Buffer)
		}
	}

	fetched, err := r.fillGaps(ctx, probe)
	if err != nil {
		r.Release(pinnedHits)
		return nil, nil, err
	}

	out, err := r.dec.Decode(ctx, r.file, probe, r.baseOff, start, end)

	// The raw bytes were either decompressed or copied; hand them back.
	for _, b := range fetched {
		r.src.ReleaseBuffer(b)
	}

	if err != nil {
		r.logger.Warn("stream: decode failed", "file", r.file, "start", start, "end", end, "err", err)
		r.Release(pinnedHits)
		return nil, nil, err
	}
	return probe, out, nil
}

// fillGaps reads every gap chunk of the probe from storage and rewrites it
// into a raw chunk. Returns the backend buffers for later release.
func (r *Reader) fillGaps(ctx context.Context, probe *cache.RangeList) ([][]byte, error) {
	var gaps []*cache.Elem
	var want []source.Range
	for e := probe.Front(); e != nil; e = e.Next() {
		if e.IsGap() {
			gaps = append(gaps, e)
			want = append(want, source.Range{Offset: e.Offset, End: e.End})
		}
	}
	if len(gaps) == 0 {
		return nil, nil
	}

	if r.ctrl != nil {
		if err := r.ctrl.AcquireBackground(ctx); err != nil {
			return nil, err
		}
		defer r.ctrl.ReleaseBackground()
	}

	bufs, err := r.src.ReadRanges(ctx, want)
	if err != nil {
		return nil, err
	}
	for i, e := range gaps {
		e.Data = bufs[i]
	}
	return bufs, nil
}

// Release drops the caller's pin on each buffer.
func (r *Reader) Release(bufs []*buffer.Buffer) {
	for _, b := range bufs {
		r.cache.ReleaseBuffer(b)
	}
}

// OpenStream reads [start, end) and returns a sequential view over the
// decoded bytes. Closing the stream releases all pins taken here.
func (r *Reader) OpenStream(ctx context.Context, start, end int64) (*Stream, error) {
	list, _, err := r.readList(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var blocks []block
	for e := list.Front(); e != nil; e = e.Next() {
		if e.IsHit() {
			blocks = append(blocks, block{start: e.Offset, end: e.End, buf: e.Buffer})
		}
	}
	return newStream(r.file, r.cache, blocks), nil
}
