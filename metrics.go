package stripecache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordGet is called after each range lookup with the number of hit
	// and miss chunks it produced.
	RecordGet(hits, misses int, duration time.Duration)

	// RecordPut is called after each put with the number of buffers
	// offered and the number that lost a conflict to a concurrent producer.
	RecordPut(count, conflicts int, duration time.Duration)

	// RecordAllocation is called after each batch allocation. size is the
	// requested size of each block; err is nil if successful.
	RecordAllocation(count, size int, duration time.Duration, err error)

	// RecordEviction is called after each eviction round with the bytes
	// the policy managed to free.
	RecordEviction(requested, evicted int64)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordGet(int, int, time.Duration)              {}
func (NoopMetricsCollector) RecordPut(int, int, time.Duration)              {}
func (NoopMetricsCollector) RecordAllocation(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordEviction(int64, int64)                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	GetCount        atomic.Int64
	GetHits         atomic.Int64
	GetMisses       atomic.Int64
	GetTotalNanos   atomic.Int64
	PutCount        atomic.Int64
	PutConflicts    atomic.Int64
	AllocCount      atomic.Int64
	AllocErrors     atomic.Int64
	AllocTotalNanos atomic.Int64
	EvictRounds     atomic.Int64
	EvictRequested  atomic.Int64
	EvictFreed      atomic.Int64
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(hits, misses int, duration time.Duration) {
	b.GetCount.Add(1)
	b.GetHits.Add(int64(hits))
	b.GetMisses.Add(int64(misses))
	b.GetTotalNanos.Add(duration.Nanoseconds())
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(count, conflicts int, duration time.Duration) {
	b.PutCount.Add(int64(count))
	b.PutConflicts.Add(int64(conflicts))
}

// RecordAllocation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocation(count, size int, duration time.Duration, err error) {
	b.AllocCount.Add(int64(count))
	b.AllocTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AllocErrors.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(requested, evicted int64) {
	b.EvictRounds.Add(1)
	b.EvictRequested.Add(requested)
	b.EvictFreed.Add(evicted)
}
