package codec

import (
	"github.com/klauspost/compress/snappy"
)

// Snappy decodes snappy compression blocks.
type Snappy struct{}

// Decompress implements Decompressor.
func (Snappy) Decompress(dst, src []byte) (int, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return 0, err
	}
	if n > len(dst) {
		return 0, ErrOverflow
	}
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, err
	}
	if len(out) > 0 && &out[0] != &dst[0] {
		return copy(dst, out), nil
	}
	return len(out), nil
}

// Name implements Decompressor.
func (Snappy) Name() string { return string(KindSnappy) }
