package stream

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stripecache/codec"
	"github.com/hupe1980/stripecache/resource"
	"github.com/hupe1980/stripecache/source"
	"github.com/hupe1980/stripecache/testutil"
)

// writeStripe writes a file of passthrough compression blocks and returns
// the raw bytes and the concatenated payloads.
func writeStripe(t *testing.T, dir, name string, payloads ...[]byte) ([]byte, []byte) {
	t.Helper()
	var raw, want []byte
	for _, p := range payloads {
		raw = append(raw, testutil.Block(true, p)...)
		want = append(want, p...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	return raw, want
}

func openReader(t *testing.T, h *harness, dir, name string, ctrl *resource.Controller) *Reader {
	t.Helper()
	src, err := source.NewLocalStore(dir).Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	r, err := NewReader(name, h.index, h.alloc, src, codec.Passthrough{}, 64, 0, ReaderOptions{Controller: ctrl})
	require.NoError(t, err)
	return r
}

func TestReader_ColdThenHot(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()
	raw, _ := writeStripe(t, dir, "part-0001", []byte("colA"), []byte("colB"), []byte("colC"))
	r := openReader(t, h, dir, "part-0001", nil)

	ctx := context.Background()
	out, err := r.ReadBlocks(ctx, 0, int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "colA", string(out[0].Data))
	assert.Equal(t, "colC", string(out[2].Data))

	stats := h.index.Stats()
	assert.Zero(t, stats.Hits, "cold read sees no hits")
	r.Release(out)

	// Hot pass: everything comes from the index.
	out2, err := r.ReadBlocks(ctx, 0, int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, out2, 3)
	for i := range out {
		assert.Same(t, out[i], out2[i])
	}
	assert.Equal(t, int64(3), h.index.Stats().Hits)
	r.Release(out2)
}

func TestReader_PartialOverlap(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()
	b0 := testutil.Block(true, []byte("rg-one"))
	raw, _ := writeStripe(t, dir, "part-0002", []byte("rg-one"), []byte("rg-two"))
	r := openReader(t, h, dir, "part-0002", nil)

	ctx := context.Background()

	// First row group touches only the first block.
	out, err := r.ReadBlocks(ctx, 0, int64(len(b0)))
	require.NoError(t, err)
	require.Len(t, out, 1)

	// Second row group spans both; the shared block is a hit.
	out2, err := r.ReadBlocks(ctx, 0, int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, out2, 2)
	assert.Same(t, out[0], out2[0])
	assert.Equal(t, "rg-two", string(out2[1].Data))

	r.Release(out)
	r.Release(out2)
}

func TestReader_RateLimitedController(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()
	raw, want := writeStripe(t, dir, "part-0003", []byte("throttled"))

	ctrl := resource.NewController(resource.Config{
		MaxBackgroundWorkers: 2,
		IOLimitBytesPerSec:   1 << 20,
	})
	r := openReader(t, h, dir, "part-0003", ctrl)

	out, err := r.ReadBlocks(context.Background(), 0, int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, want, out[0].Data)
	r.Release(out)
}

func TestReader_OpenStream(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()
	raw, want := writeStripe(t, dir, "part-0004", []byte("vector"), []byte("batch"))
	r := openReader(t, h, dir, "part-0004", nil)

	s, err := r.OpenStream(context.Background(), 0, int64(len(raw)))
	require.NoError(t, err)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, s.Close())
}

func TestReader_BadFormatSurfacesAndReleases(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()

	// A block that claims more than the buffer size.
	raw := testutil.Block(true, make([]byte, 65))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"), raw, 0o644))
	r := openReader(t, h, dir, "bad", nil)

	_, err := r.ReadBlocks(context.Background(), 0, int64(len(raw)))
	require.ErrorIs(t, err, ErrBadFormat)
	assert.Equal(t, int64(0), h.mem.Used())
}

func TestReader_BaseOffsetSeparatesStreams(t *testing.T) {
	h := newHarness(t, 8, 64)
	dir := t.TempDir()
	raw, _ := writeStripe(t, dir, "part-0005", []byte("streamA"))

	src, err := source.NewLocalStore(dir).Open(context.Background(), "part-0005")
	require.NoError(t, err)
	defer src.Close()

	// Two readers on the same file with different base offsets must not
	// share index entries.
	r1, err := NewReader("part-0005", h.index, h.alloc, src, codec.Passthrough{}, 64, 0, ReaderOptions{})
	require.NoError(t, err)
	r2, err := NewReader("part-0005", h.index, h.alloc, src, codec.Passthrough{}, 64, 1<<20, ReaderOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	out1, err := r1.ReadBlocks(ctx, 0, int64(len(raw)))
	require.NoError(t, err)
	out2, err := r2.ReadBlocks(ctx, 0, int64(len(raw)))
	require.NoError(t, err)
	assert.NotSame(t, out1[0], out2[0])

	r1.Release(out1)
	r2.Release(out2)
}
