package cache

import (
	"fmt"
	"strings"

	"github.com/hupe1980/stripecache/buffer"
)

// Range is a half-open byte interval [Offset, End).
type Range struct {
	Offset int64
	End    int64
}

// Len returns the range length in bytes.
func (r Range) Len() int64 { return r.End - r.Offset }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Offset, r.End) }

// Elem is one chunk of a RangeList. A chunk covers [Offset, End) and is one
// of three kinds:
//
//   - gap: neither Buffer nor Data set; bytes must be read from storage
//   - hit: Buffer set; bytes live in a pinned cache buffer
//   - raw: Data set; bytes were read from storage but not yet decoded
//
// The kinds unify the probe input of GetFileData, its hit/gap output, and
// the mixed raw/hit input the stream reader consumes.
type Elem struct {
	Offset int64
	End    int64

	// Buffer is the pinned cache buffer for a hit chunk. BufOffset is the
	// position of this chunk's first byte inside Buffer.Data; it is non-zero
	// when a cached entry was split at a probe boundary.
	Buffer    *buffer.Buffer
	BufOffset int64

	// Data holds raw bytes for a chunk read from storage.
	Data []byte

	// Reused marks a hit chunk already claimed by the current decode pass.
	Reused bool

	prev, next *Elem
	list       *RangeList
}

// IsHit reports whether the chunk is backed by a cache buffer.
func (e *Elem) IsHit() bool { return e.Buffer != nil }

// IsGap reports whether the chunk has no backing bytes at all.
func (e *Elem) IsGap() bool { return e.Buffer == nil && e.Data == nil }

// Range returns the chunk's interval.
func (e *Elem) Range() Range { return Range{Offset: e.Offset, End: e.End} }

// View returns the chunk's bytes: the pinned buffer portion for a hit, the
// raw bytes for a storage chunk, nil for a gap.
func (e *Elem) View() []byte {
	if e.Buffer != nil {
		return e.Buffer.Data[e.BufOffset : e.BufOffset+(e.End-e.Offset)]
	}
	return e.Data
}

// Next returns the following chunk, or nil at the end of the list.
func (e *Elem) Next() *Elem {
	if n := e.next; e.list != nil && n != &e.list.root {
		return n
	}
	return nil
}

// Prev returns the preceding chunk, or nil at the start of the list.
func (e *Elem) Prev() *Elem {
	if p := e.prev; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// RangeList is a doubly linked list of chunks covering a byte region of one
// file stream. GetFileData rewrites probe chunks in place into hit/gap
// sequences, and the stream reader rewrites raw chunks into hits as blocks
// are decoded, so the list supports cheap splicing at any position.
//
// It is the caller's structure; the cache never retains a reference to it.
type RangeList struct {
	root Elem
	len  int
}

// NewRangeList returns an empty list.
func NewRangeList() *RangeList {
	l := &RangeList{}
	l.root.prev = &l.root
	l.root.next = &l.root
	l.root.list = l
	return l
}

// NewProbe returns a list of gap chunks, one per requested range, the form
// GetFileData expects as input.
func NewProbe(ranges ...Range) *RangeList {
	l := NewRangeList()
	for _, r := range ranges {
		l.PushBack(&Elem{Offset: r.Offset, End: r.End})
	}
	return l
}

// Len returns the number of chunks.
func (l *RangeList) Len() int { return l.len }

// Front returns the first chunk, or nil if the list is empty.
func (l *RangeList) Front() *Elem {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last chunk, or nil if the list is empty.
func (l *RangeList) Back() *Elem {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *RangeList) insert(e, at *Elem) *Elem {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

// PushBack appends a chunk.
func (l *RangeList) PushBack(e *Elem) *Elem { return l.insert(e, l.root.prev) }

// InsertBefore inserts e before at.
func (l *RangeList) InsertBefore(e, at *Elem) *Elem { return l.insert(e, at.prev) }

// InsertAfter inserts e after at.
func (l *RangeList) InsertAfter(e, at *Elem) *Elem { return l.insert(e, at) }

// Remove unlinks e and returns the chunk that followed it, if any.
func (l *RangeList) Remove(e *Elem) *Elem {
	next := e.Next()
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next, e.list = nil, nil, nil
	l.len--
	return next
}

func (l *RangeList) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for e := l.Front(); e != nil; e = e.Next() {
		if sb.Len() > 1 {
			sb.WriteString(", ")
		}
		switch {
		case e.IsHit():
			fmt.Fprintf(&sb, "hit%v", e.Range())
		case e.IsGap():
			fmt.Fprintf(&sb, "gap%v", e.Range())
		default:
			fmt.Fprintf(&sb, "raw%v", e.Range())
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
