// Package mmap provides memory-mapped regions for the cache's two memory
// consumers: read-only file mappings for zero-copy access to columnar files,
// and anonymous read-write mappings backing the buddy allocator's arenas.
//
// # Usage
//
//	m, err := mmap.Open("stripe.orc")
//	if err != nil { ... }
//	defer m.Close()
//
//	// Zero-copy access to file contents
//	data := m.Bytes()
//
//	// Create a view into a specific region
//	region, _ := m.Region(offset, size)
//
//	// Provide kernel hints for access patterns
//	m.Advise(mmap.AccessRandom)
//
// # Platform Support
//
// The package provides a unified API across platforms:
//
//   - Unix (Linux, macOS, BSD): Uses mmap(2) with madvise(2) for access hints
//   - Windows: Uses CreateFileMapping/MapViewOfFile (madvise is a no-op)
//
// # Thread Safety
//
// Mapping and Region are safe for concurrent read access. The Close() method
// is idempotent and protected by atomic operations. However, callers must
// ensure no goroutines access Bytes() after Close() returns.
//
// # Anonymous Mappings
//
// MapAnon creates read-write anonymous mappings for off-heap memory
// allocation. Arena memory obtained this way is invisible to the Go garbage
// collector, so a large cache does not inflate GC scan times.
package mmap
