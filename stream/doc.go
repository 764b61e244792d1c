// Package stream turns raw compressed column-stream bytes into cache
// entries, one per compression block.
//
// The Decoder is the core: given a range list mixing cache hits and raw
// byte chunks, it parses the 3-byte block headers, consolidates blocks that
// straddle chunk boundaries, allocates all target buffers in one batch,
// decompresses through a bounded queue and worker pool, and publishes the
// results to the cached-range index. The output buffer order always matches
// the block order of the input.
//
// Reader wires the Decoder to a storage backend: probe the index, fetch the
// gaps, decode, publish. Stream is a sequential read view over the decoded
// blocks with block-boundary seeks.
package stream
