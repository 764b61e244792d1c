package cache

import (
	"sync"

	"github.com/hupe1980/stripecache/buffer"
)

// FIFO evicts in insertion order. Pin and unpin notifications are ignored,
// so a buffer's position is fixed the moment it enters the cache; hot
// buffers survive only through their refcounts.
type FIFO struct {
	mu   sync.Mutex
	list bufList
}

// NewFIFO creates a FIFO eviction policy.
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Cache implements Policy.
func (p *FIFO) Cache(b *buffer.Buffer) {
	p.mu.Lock()
	p.list.pushTail(b)
	p.mu.Unlock()
}

// NotifyLock implements Policy. FIFO does not care.
func (p *FIFO) NotifyLock(b *buffer.Buffer) {}

// NotifyUnlock implements Policy. FIFO does not care.
func (p *FIFO) NotifyUnlock(b *buffer.Buffer) {}

// EvictSomeBlocks implements Policy, walking from the oldest insertion.
func (p *FIFO) EvictSomeBlocks(target int64, listener EvictionListener) int64 {
	var victims []*buffer.Buffer
	var evicted int64

	p.mu.Lock()
	for b := p.list.head; b != nil && evicted < target; {
		next := b.Next
		if b.Invalidate() {
			p.list.remove(b)
			victims = append(victims, b)
			evicted += int64(b.Capacity())
		}
		b = next
	}
	p.mu.Unlock()

	for _, b := range victims {
		listener.NotifyEvicted(b)
	}
	return evicted
}
