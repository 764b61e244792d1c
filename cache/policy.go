package cache

import "github.com/hupe1980/stripecache/buffer"

// EvictionListener receives buffers that a policy has invalidated. The
// eviction coordinator implements it; passing it into EvictSomeBlocks
// (rather than giving the policy a back-pointer) keeps the policy free of a
// dependency on the index and the allocator.
type EvictionListener interface {
	NotifyEvicted(b *buffer.Buffer)
}

// Policy decides the eviction order over cached buffers.
//
// Implementations must tolerate lock/unlock notifications for buffers they
// have never seen and for buffers already evicted; both occur under races
// the policy loses by design of the buffer state machine.
type Policy interface {
	// Cache is called when a handle enters the cached-range index. The
	// buffer is inserted at the most-recently-inserted position.
	Cache(b *buffer.Buffer)

	// NotifyLock is called after every successful pin.
	NotifyLock(b *buffer.Buffer)

	// NotifyUnlock is called after every unpin.
	NotifyUnlock(b *buffer.Buffer)

	// EvictSomeBlocks walks candidates in policy order, invalidates those
	// whose refcount is zero, hands them to the listener, and returns the
	// number of bytes evicted. It may return less than target when all
	// remaining candidates are pinned; callers treat that as a transient
	// shortage. The policy lock is not held during listener callbacks.
	EvictSomeBlocks(target int64, listener EvictionListener) int64
}

// bufList is an intrusive doubly linked list over the policy hooks embedded
// in each buffer handle. The owning policy's lock guards all operations.
type bufList struct {
	head, tail *buffer.Buffer
}

func (l *bufList) pushTail(b *buffer.Buffer) {
	if b.Listed {
		return
	}
	b.Listed = true
	b.Prev = l.tail
	b.Next = nil
	if l.tail != nil {
		l.tail.Next = b
	} else {
		l.head = b
	}
	l.tail = b
}

func (l *bufList) remove(b *buffer.Buffer) {
	if !b.Listed {
		return
	}
	if b.Prev != nil {
		b.Prev.Next = b.Next
	} else {
		l.head = b.Next
	}
	if b.Next != nil {
		b.Next.Prev = b.Prev
	} else {
		l.tail = b.Prev
	}
	b.Prev, b.Next = nil, nil
	b.Listed = false
}

func (l *bufList) moveToTail(b *buffer.Buffer) {
	if !b.Listed || l.tail == b {
		return
	}
	l.remove(b)
	l.pushTail(b)
}
