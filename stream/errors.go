package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrBadFormat indicates a malformed compression block header, or a
	// block that claims to be larger than the stream's buffer size.
	ErrBadFormat = errors.New("stream: bad compression block")

	// ErrTruncated indicates the input ended in the middle of a
	// compression block.
	ErrTruncated = errors.New("stream: truncated compression block")

	// ErrInvalidSeek indicates a seek to an offset that is not a
	// compression block boundary, or outside the stream.
	ErrInvalidSeek = errors.New("stream: invalid seek")
)

// BadFormatError reports a compression block whose declared length exceeds
// the stream's buffer size.
//
// It unwraps to ErrBadFormat.
type BadFormatError struct {
	ChunkLength int
	BufferSize  int
}

func (e *BadFormatError) Error() string {
	return fmt.Sprintf("stream: compression block of %d bytes exceeds buffer size %d", e.ChunkLength, e.BufferSize)
}

func (e *BadFormatError) Unwrap() error { return ErrBadFormat }
