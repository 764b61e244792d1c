package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Decoders are pooled: construction allocates window buffers worth reusing,
// and DecodeAll on a pooled decoder is allocation-free for bounded blocks.
var zstdDecoderPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
		)
		return dec
	},
}

// Zstd decodes zstd-framed compression blocks.
type Zstd struct{}

// Decompress implements Decompressor.
func (Zstd) Decompress(dst, src []byte) (int, error) {
	dec := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(dec)

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, err
	}
	if len(out) > len(dst) {
		return 0, ErrOverflow
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		// DecodeAll reallocated; should not happen once the length check
		// passed, but never let bytes escape the cache buffer silently.
		return copy(dst, out), nil
	}
	return len(out), nil
}

// Name implements Decompressor.
func (Zstd) Name() string { return string(KindZstd) }
