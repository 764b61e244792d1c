package stream

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stripecache/cache"
	"github.com/hupe1980/stripecache/codec"
	"github.com/hupe1980/stripecache/testutil"
)

// decodedStream builds a stream from freshly decoded blocks.
func decodedStream(t *testing.T, h *harness, payloads ...[]byte) (*Stream, []byte, []int64) {
	t.Helper()
	var raw []byte
	var starts []int64
	var want []byte
	for _, p := range payloads {
		starts = append(starts, int64(len(raw)))
		raw = append(raw, testutil.Block(true, p)...)
		want = append(want, p...)
	}

	d := h.decoder(t, codec.Passthrough{}, 64, 1)
	l := rawList(raw)
	_, err := d.Decode(context.Background(), "s", l, 0, 0, -1)
	require.NoError(t, err)

	var blocks []block
	for e := l.Front(); e != nil; e = e.Next() {
		require.True(t, e.IsHit())
		blocks = append(blocks, block{start: e.Offset, end: e.End, buf: e.Buffer})
	}
	return newStream("s", h.index, blocks), want, starts
}

func TestStream_SequentialRead(t *testing.T) {
	h := newHarness(t, 8, 64)
	s, want, _ := decodedStream(t, h, []byte("alpha"), []byte("beta"), []byte("gamma"))
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Subsequent reads stay at EOF.
	n, err := s.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_SeekBlockBoundary(t *testing.T) {
	h := newHarness(t, 8, 64)
	s, _, starts := decodedStream(t, h, []byte("alpha"), []byte("beta"))
	defer s.Close()

	require.NoError(t, s.Seek(starts[1]))
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), got)

	// Rewind to the first block.
	require.NoError(t, s.Seek(starts[0]))
	got, err = io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("alphabeta"), got)
}

func TestStream_SeekInvalid(t *testing.T) {
	h := newHarness(t, 8, 64)
	s, _, starts := decodedStream(t, h, []byte("alpha"), []byte("beta"))
	defer s.Close()

	// Mid-block offsets and offsets past the stream both fail.
	assert.ErrorIs(t, s.Seek(starts[1]-1), ErrInvalidSeek)
	assert.ErrorIs(t, s.Seek(10_000), ErrInvalidSeek)
	assert.ErrorIs(t, s.Seek(-1), ErrInvalidSeek)
}

func TestStream_CloseReleasesPins(t *testing.T) {
	h := newHarness(t, 8, 64)
	s, _, _ := decodedStream(t, h, []byte("alpha"))

	probe := cache.NewProbe(cache.Range{Offset: 0, End: 8})
	h.index.GetFileData("s", probe, 0)
	hit := probe.Front()
	require.True(t, hit.IsHit())
	b := hit.Buffer
	h.index.ReleaseBuffer(b)

	require.Equal(t, int32(1), b.RefCount(), "stream holds the last pin")
	require.NoError(t, s.Close())
	assert.Equal(t, int32(0), b.RefCount())
	require.NoError(t, s.Close(), "close is idempotent")
}
