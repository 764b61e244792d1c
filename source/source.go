// Package source abstracts where stripe bytes come from. The cache core
// only ever asks for batches of byte ranges; backends answer them from a
// memory-mapped local file (zero copy), S3, or any S3-compatible store.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a named file does not exist in the store.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Range is a half-open byte interval [Offset, End) of a file.
type Range struct {
	Offset int64
	End    int64
}

// Len returns the range length in bytes.
func (r Range) Len() int64 { return r.End - r.Offset }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Offset, r.End) }

// Reader reads byte ranges of one file.
//
// ReadRanges returns one slice per requested range, in request order. The
// slices may alias backend-owned memory (the mmap reader returns views into
// the mapping); callers hand each slice back through ReleaseBuffer once the
// bytes have been consumed and must not touch it afterwards.
type Reader interface {
	ReadRanges(ctx context.Context, ranges []Range) ([][]byte, error)

	// ReleaseBuffer returns a slice obtained from ReadRanges. Copying
	// backends make this a no-op; zero-copy backends may recycle or
	// unpin the underlying memory.
	ReleaseBuffer(b []byte)

	// Size returns the file length in bytes.
	Size() int64

	io.Closer
}

// Store opens readers by file name.
type Store interface {
	Open(ctx context.Context, name string) (Reader, error)
}

func validateRanges(ranges []Range, size int64) error {
	for _, r := range ranges {
		if r.Offset < 0 || r.End < r.Offset {
			return fmt.Errorf("source: invalid range %v", r)
		}
		if size >= 0 && r.End > size {
			return fmt.Errorf("source: range %v beyond end of file (%d)", r, size)
		}
	}
	return nil
}
