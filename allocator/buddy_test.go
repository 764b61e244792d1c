package allocator

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stripecache/buffer"
	"github.com/hupe1980/stripecache/testutil"
)

func newTestAllocator(t *testing.T, minAlloc, maxAlloc, arenaSize int, totalSize int64) *Buddy {
	t.Helper()
	mem := NewManager(totalSize)
	a, err := New(minAlloc, maxAlloc, arenaSize, totalSize, mem)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBuddy_ConfigValidation(t *testing.T) {
	mem := NewManager(1 << 20)
	for _, tc := range []struct {
		name                          string
		minAlloc, maxAlloc, arenaSize int
		totalSize                     int64
	}{
		{"min not pow2", 24, 256, 256, 256},
		{"min too small", 4, 256, 256, 256},
		{"max below min", 64, 32, 256, 256},
		{"arena below max", 8, 512, 256, 256},
		{"total not multiple", 8, 256, 256, 300},
		{"total zero", 8, 256, 256, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.minAlloc, tc.maxAlloc, tc.arenaSize, tc.totalSize, mem)
			assert.Error(t, err)
		})
	}
}

// allocateAndStamp allocates count blocks of the given size and writes a
// test value at the start and middle of each, the way a decoder would.
func allocateAndStamp(t *testing.T, a *Buddy, rng *testutil.RNG, count, size int) ([]*buffer.Buffer, []uint64) {
	t.Helper()
	bufs := make([]*buffer.Buffer, count)
	if err := a.AllocateMultiple(bufs, size); err != nil {
		t.Fatalf("failed to allocate %d of %d: %v\n%s", count, size, err, a.DebugDump())
	}
	vals := make([]uint64, count)
	for i, b := range bufs {
		require.GreaterOrEqual(t, b.Len(), size)
		vals[i] = uint64(rng.Int63())
		binary.LittleEndian.PutUint64(b.Data[:8], vals[i])
		if half := b.Len() / 2; half+8 <= b.Len() {
			binary.LittleEndian.PutUint64(b.Data[half:half+8], vals[i])
		}
	}
	return bufs, vals
}

func verifyAndFree(t *testing.T, a *Buddy, bufs []*buffer.Buffer, vals []uint64) {
	t.Helper()
	for i, b := range bufs {
		assert.Equal(t, vals[i], binary.LittleEndian.Uint64(b.Data[:8]))
		if half := b.Len() / 2; half+8 <= b.Len() {
			assert.Equal(t, vals[i], binary.LittleEndian.Uint64(b.Data[half:half+8]))
		}
		a.Deallocate(b)
	}
}

func TestBuddy_VariableSizeAllocs(t *testing.T) {
	testVariableSize(t, 1, 2, 1)
}

func TestBuddy_VariableSizeMultiAllocs(t *testing.T) {
	testVariableSize(t, 3, 2, 3)
	testVariableSize(t, 5, 2, 5)
}

// testVariableSize allocates every size between min and max order going up
// and down, deallocating in same and reverse order, several times over.
func testVariableSize(t *testing.T, allocCount, arenaSizeMult, arenaCount int) {
	t.Helper()
	const minLog2, maxLog2 = 3, 8
	maxAlloc := 1 << maxLog2
	arenaSize := maxAlloc * arenaSizeMult
	a := newTestAllocator(t, 1<<minLog2, maxAlloc, arenaSize, int64(arenaSize*arenaCount))
	rng := testutil.NewRNG(2284)

	for pass := 0; pass < 3; pass++ {
		for _, up := range []bool{true, false} {
			var all [][]*buffer.Buffer
			var vals [][]uint64
			for i := 0; i <= maxLog2-minLog2; i++ {
				log2 := minLog2 + i
				if !up {
					log2 = maxLog2 - i
				}
				// Sizes just below the power of two round up to it.
				bufs, v := allocateAndStamp(t, a, rng, allocCount, 1<<log2-1)
				all = append(all, bufs)
				vals = append(vals, v)
			}
			if pass%2 == 0 {
				for i := range all {
					verifyAndFree(t, a, all[i], vals[i])
				}
			} else {
				for i := len(all) - 1; i >= 0; i-- {
					verifyAndFree(t, a, all[i], vals[i])
				}
			}
		}
	}
}

func TestBuddy_SameSizes(t *testing.T) {
	const minLog2, maxLog2 = 3, 8
	maxAlloc := 1 << maxLog2
	a := newTestAllocator(t, 1<<minLog2, maxAlloc, maxAlloc, int64(maxAlloc))
	rng := testutil.NewRNG(2284)

	for log2 := minLog2; log2 <= maxLog2; log2++ {
		bufs, vals := allocateAndStamp(t, a, rng, 1<<(maxLog2-log2), 1<<log2)
		verifyAndFree(t, a, bufs, vals)
	}
}

func TestBuddy_MultipleArenas(t *testing.T) {
	const maxLog2 = 8
	maxAlloc := 1 << maxLog2
	const arenaCount = 5
	a := newTestAllocator(t, 8, maxAlloc, maxAlloc, int64(maxAlloc*arenaCount))
	rng := testutil.NewRNG(2284)

	// Half-arena blocks, two per arena.
	bufs, vals := allocateAndStamp(t, a, rng, arenaCount*2, maxAlloc/2)
	verifyAndFree(t, a, bufs, vals)
}

// TestBuddy_Coalescing is the reverse-order coalescing scenario: fill one
// arena with minimum blocks, free them in reverse, then the whole arena
// must be allocatable as a single max-order block again.
func TestBuddy_Coalescing(t *testing.T) {
	a := newTestAllocator(t, 8, 256, 256, 256)

	bufs := make([]*buffer.Buffer, 32)
	require.NoError(t, a.AllocateMultiple(bufs, 8))
	for i := len(bufs) - 1; i >= 0; i-- {
		a.Deallocate(bufs[i])
	}

	big := make([]*buffer.Buffer, 1)
	require.NoError(t, a.AllocateMultiple(big, 256), "full coalescing should restore the max-order block\n%s", a.DebugDump())
	assert.Equal(t, 256, big[0].Capacity())
	a.Deallocate(big[0])
}

func TestBuddy_Boundaries(t *testing.T) {
	a := newTestAllocator(t, 8, 256, 256, 512)

	// Min and max both succeed on a fresh cache.
	bufs := make([]*buffer.Buffer, 1)
	require.NoError(t, a.AllocateMultiple(bufs, 8))
	a.Deallocate(bufs[0])
	require.NoError(t, a.AllocateMultiple(bufs, 256))
	a.Deallocate(bufs[0])

	// Above max fails before any eviction attempt.
	err := a.AllocateMultiple(bufs, 257)
	require.ErrorIs(t, err, ErrOutOfCapacity)
}

func TestBuddy_AttachesPlaceholders(t *testing.T) {
	a := newTestAllocator(t, 8, 64, 64, 64)

	dest := []*buffer.Buffer{a.CreateUnallocated(), a.CreateUnallocated()}
	require.NoError(t, a.AllocateMultiple(dest, 16))
	for _, b := range dest {
		assert.NotNil(t, b.Data)
		assert.Equal(t, 16, b.Capacity())
		assert.Equal(t, int32(1), b.RefCount())
		a.Deallocate(b)
	}
}

func TestBuddy_MTT(t *testing.T) {
	const minLog2, maxLog2, allocsPerSize = 3, 8, 3
	maxAlloc := 1 << maxLog2
	a := newTestAllocator(t, 1<<minLog2, maxAlloc, maxAlloc*8, int64(maxAlloc*24))

	var wg sync.WaitGroup
	for worker := 0; worker < 3; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := testutil.NewRNG(seed)
			for round := 0; round < 20; round++ {
				var all [][]*buffer.Buffer
				var vals [][]uint64
				for log2 := minLog2; log2 <= maxLog2; log2++ {
					bufs, v := allocateAndStamp(t, a, rng, allocsPerSize, 1<<log2)
					all = append(all, bufs)
					vals = append(vals, v)
				}
				for i := len(all) - 1; i >= 0; i-- {
					verifyAndFree(t, a, all[i], vals[i])
				}
			}
		}(int64(1234 + worker))
	}
	wg.Wait()
}
