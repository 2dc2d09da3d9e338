// Package mem implements the smallest unit of value storage: an immutable
// byte segment that can be chained into a rope (see rope.go).
package mem

import (
	"sync/atomic"
)

// Magic is written into every live segment and cleared when the segment is
// freed. It exists purely as a use-after-free detector: nothing in the
// happy path reads it.
const Magic uint32 = 0xabcd1234

// Segment is a fixed-capacity, append-only chunk of bytes. Once a segment
// has payload it is never mutated except for its next pointer, which is
// swung exactly once when the segment is appended to the tail of a rope.
type Segment struct {
	magic uint32
	next  atomic.Pointer[Segment]
	Data  []byte
}

// Alloc returns a new segment with n bytes of zeroed payload capacity.
func Alloc(n int) *Segment {
	return &Segment{magic: Magic, Data: make([]byte, n)}
}

// FromBytes wraps an existing slice in a single segment without copying.
// The caller must not retain a mutable reference to b afterward.
func FromBytes(b []byte) *Segment {
	return &Segment{magic: Magic, Data: b}
}

// Next returns the segment appended after this one, or nil if this is the
// tail of its chain.
func (s *Segment) Next() *Segment {
	return s.next.Load()
}

// setNext links s to the given successor. Called at most once per segment,
// when it is appended to a rope's tail.
func (s *Segment) setNext(n *Segment) {
	s.next.Store(n)
}

// casNext attempts to link an as-yet-unlinked segment to n.
func (s *Segment) casNext(n *Segment) bool {
	return s.next.CompareAndSwap(nil, n)
}

// Link sets s's next pointer unconditionally. For a segment no reader has
// observed yet (e.g. the tail of a rope about to be prepended elsewhere),
// there is nothing to race against.
func (s *Segment) Link(n *Segment) {
	s.setNext(n)
}

// CASLink links s to n only if s currently has no successor.
func (s *Segment) CASLink(n *Segment) bool {
	return s.casNext(n)
}

// Size returns the segment's own payload length.
func (s *Segment) Size() int {
	return len(s.Data)
}

// Valid reports whether the segment's magic sentinel is intact, i.e. it has
// not been freed. Used by tests as a use-after-free detector.
func (s *Segment) Valid() bool {
	return atomic.LoadUint32(&s.magic) == Magic
}

// Tail walks next pointers to the terminal segment of the chain beginning
// at head.
func Tail(head *Segment) *Segment {
	s := head
	for {
		n := s.Next()
		if n == nil {
			return s
		}
		s = n
	}
}

// Free releases every segment in the chain beginning at head, in one pass.
// It asserts each segment was live (magic intact) and then clears the
// sentinel, so a subsequent read through a stale pointer can be detected.
// Go's garbage collector reclaims the backing memory once the reclamation
// domain (see internal/reclaim) drops its last reference; Free's job is
// only to poison the sentinel for debugging and to let go of Data early.
func Free(head *Segment) {
	for s := head; s != nil; {
		n := s.Next()
		if !atomic.CompareAndSwapUint32(&s.magic, Magic, 0) {
			panic("mem: double free of segment")
		}
		s.Data = nil
		s = n
	}
}

// Size computes the sum of segment lengths from head up to and including
// tail. If tail is nil, the chain is walked to its actual end.
func Size(head, tail *Segment) int {
	if head == nil {
		return 0
	}
	total := 0
	for s := head; ; s = s.Next() {
		total += s.Size()
		if s == tail || s.Next() == nil {
			break
		}
	}
	return total
}
