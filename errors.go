package stripecache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/stripecache/allocator"
	"github.com/hupe1980/stripecache/stream"
)

var (
	// ErrOutOfCapacity is returned when an allocation cannot be satisfied
	// even after eviction.
	ErrOutOfCapacity = allocator.ErrOutOfCapacity

	// ErrBadFormat is returned for malformed compression blocks.
	ErrBadFormat = stream.ErrBadFormat

	// ErrTruncated is returned when input ends mid-compression-block.
	ErrTruncated = stream.ErrTruncated

	// ErrInvalidSeek is returned for seeks off a compression block
	// boundary or outside the stream.
	ErrInvalidSeek = stream.ErrInvalidSeek

	// ErrClosed is returned for operations on a closed cache.
	ErrClosed = errors.New("stripecache: closed")
)

// ConfigError reports a configuration violation detected at construction.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("stripecache: invalid config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.cause }
