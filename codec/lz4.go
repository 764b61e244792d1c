package codec

import (
	"github.com/pierrec/lz4/v4"
)

// LZ4 decodes raw LZ4 blocks (block format, no frame header).
type LZ4 struct{}

// Decompress implements Decompressor.
func (LZ4) Decompress(dst, src []byte) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Name implements Decompressor.
func (LZ4) Name() string { return string(KindLZ4) }
