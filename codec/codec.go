// Package codec provides the block decompressors the cache stores behind:
// every cache entry holds the decompressed bytes of exactly one compression
// block, so a decompressor here is the only transformation between disk
// bytes and cached bytes.
//
// Implementations must be safe for concurrent use; the stream reader runs
// several decode workers against one Decompressor.
package codec

import (
	"errors"
	"fmt"
)

// ErrOverflow is returned when a block decompresses to more bytes than the
// destination buffer holds. Block sizes are bounded by the writer's buffer
// size, so an overflow means corrupt or foreign input.
var ErrOverflow = errors.New("codec: decompressed block exceeds buffer")

// Decompressor decompresses one compression block. src holds the complete
// compressed block; dst is the preallocated cache buffer. It returns the
// number of bytes written into dst.
type Decompressor interface {
	Decompress(dst, src []byte) (int, error)
	Name() string
}

// Kind names a built-in decompressor.
type Kind string

const (
	// KindNone passes blocks through uncompressed.
	KindNone Kind = "none"
	// KindZstd decodes zstd frames (klauspost/compress).
	KindZstd Kind = "zstd"
	// KindLZ4 decodes raw LZ4 blocks (pierrec/lz4).
	KindLZ4 Kind = "lz4"
	// KindSnappy decodes snappy blocks (klauspost/compress).
	KindSnappy Kind = "snappy"
)

// ForKind returns a built-in decompressor by its stable name.
func ForKind(k Kind) (Decompressor, error) {
	switch k {
	case KindNone:
		return Passthrough{}, nil
	case KindZstd:
		return Zstd{}, nil
	case KindLZ4:
		return LZ4{}, nil
	case KindSnappy:
		return Snappy{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %q", k)
	}
}

// Passthrough copies blocks verbatim; it backs uncompressed streams.
type Passthrough struct{}

// Decompress implements Decompressor.
func (Passthrough) Decompress(dst, src []byte) (int, error) {
	if len(src) > len(dst) {
		return 0, ErrOverflow
	}
	return copy(dst, src), nil
}

// Name implements Decompressor.
func (Passthrough) Name() string { return string(KindNone) }
