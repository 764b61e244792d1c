package cache

import (
	"sync"

	"github.com/hupe1980/stripecache/buffer"
)

// LRU evicts the least recently used buffer. A pinned buffer is detached
// from the list entirely (it cannot be evicted anyway, and detaching keeps
// pin bursts from churning the order); the unpin that drops the last pin
// reinserts it at the tail as the most recently used.
type LRU struct {
	mu   sync.Mutex
	list bufList
}

// NewLRU creates a locked-LRU eviction policy.
func NewLRU() *LRU {
	return &LRU{}
}

// Cache implements Policy.
func (p *LRU) Cache(b *buffer.Buffer) {
	p.mu.Lock()
	p.list.pushTail(b)
	p.mu.Unlock()
}

// NotifyLock implements Policy.
func (p *LRU) NotifyLock(b *buffer.Buffer) {
	p.mu.Lock()
	p.list.remove(b)
	p.mu.Unlock()
}

// NotifyUnlock implements Policy.
func (p *LRU) NotifyUnlock(b *buffer.Buffer) {
	p.mu.Lock()
	if b.RefCount() > 0 {
		// Still pinned by someone else; stays in the hot set.
		p.mu.Unlock()
		return
	}
	if !b.Invalidated() && b.Cached() {
		if b.Listed {
			p.list.moveToTail(b)
		} else {
			p.list.pushTail(b)
		}
	}
	p.mu.Unlock()
}

// EvictSomeBlocks implements Policy, walking from the coldest buffer.
func (p *LRU) EvictSomeBlocks(target int64, listener EvictionListener) int64 {
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
