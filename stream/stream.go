package stream

import (
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/stripecache/buffer"
	"github.com/hupe1980/stripecache/cache"
)

// block is one decoded compression block: its extent in the compressed
// stream and the cache buffer holding its decompressed bytes.
type block struct {
	start, end int64
	buf        *buffer.Buffer
}

// Stream is a sequential view over a run of decoded compression blocks. It
// reads decompressed bytes; Seek positions are compressed stream offsets
// and must land exactly on a block boundary, because blocks are cached and
// decoded whole.
//
// The stream owns one pin per block; Close releases them all. That is also
// the teardown path when an upstream cancels a read mid-column.
type Stream struct {
	name   string
	cache  *cache.Cache
	blocks []block

	idx    int // current block
	off    int // read position inside the current block's valid bytes
	closed bool
}

func newStream(name string, c *cache.Cache, blocks []block) *Stream {
	return &Stream{name: name, cache: c, blocks: blocks}
}

// Read implements io.Reader over the decompressed bytes.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream %q: read after close", s.name)
	}
	for s.idx < len(s.blocks) {
		data := s.blocks[s.idx].buf.Data
		if s.off >= len(data) {
			s.idx++
			s.off = 0
			continue
		}
		n := copy(p, data[s.off:])
		s.off += n
		return n, nil
	}
	return 0, io.EOF
}

// Seek positions the stream at the compression block starting at the given
// compressed offset. Offsets inside a block or outside the stream fail with
// ErrInvalidSeek. Seeking to the end offset of the last block is allowed
// and positions the stream at EOF.
func (s *Stream) Seek(compressedOffset int64) error {
	if s.closed {
		return fmt.Errorf("stream %q: seek after close", s.name)
	}
	i := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].start >= compressedOffset
	})
	if i < len(s.blocks) && s.blocks[i].start == compressedOffset {
		s.idx, s.off = i, 0
		return nil
	}
	if n := len(s.blocks); n > 0 && compressedOffset == s.blocks[n-1].end {
		s.idx, s.off = n, 0
		return nil
	}
	if i > 0 && compressedOffset < s.blocks[i-1].end {
		return fmt.Errorf("%w: %d is inside the block starting at %d",
			ErrInvalidSeek, compressedOffset, s.blocks[i-1].start)
	}
	return fmt.Errorf("%w: %d is outside the stream", ErrInvalidSeek, compressedOffset)
}

// Blocks returns the number of decoded blocks.
func (s *Stream) Blocks() int { return len(s.blocks) }

// Close releases every pin the stream holds. It is idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, b := range s.blocks {
		s.cache.ReleaseBuffer(b.buf)
	}
	s.blocks = nil
	return nil
}

var _ io.ReadCloser = (*Stream)(nil)
