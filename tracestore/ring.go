// ============================================================================
// PER-CPU TRACE RINGS
// ============================================================================
//
// Bounded ring of trace events, one per processor. The scheduler produces
// into it from whatever context acts for that processor; the flusher is the
// only consumer.
//
// Architecture overview:
//   - Sequence-numbered slots: a slot is writable when seq == tail and
//     readable when seq == head+1
//   - Head and tail on separate cache lines
//   - A producer claim word admits one producer at a time; a producer that
//     loses the claim drops its event instead of waiting
//
// Safety model:
//   - Push never blocks; a full ring or a contended claim counts a drop
//   - Drain must only be called by one goroutine at a time

package tracestore

import (
	"sync/atomic"

	"schedcore/machine"
)

// Event is one trace record.
type Event struct {
	TS   int64
	Code machine.EventCode
	CPU  int32
	Args [4]uint64
}

type slot struct {
	ev  Event
	seq atomic.Uint64
}

// Ring is a bounded multi-producer-by-claim, single-consumer event ring.
type Ring struct {
	_       [64]byte
	head    uint64
	_       [56]byte
	tail    uint64
	claim   atomic.Uint32
	_       [52]byte
	mask    uint64
	step    uint64
	buf     []slot
	dropped atomic.Uint64
}

// NewRing returns a ring with size slots. size must be a power of two.
func NewRing(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("tracestore: ring size must be >0 and power of two")
	}
	r := &Ring{
		mask: uint64(size - 1),
		step: uint64(size),
		buf:  make([]slot, size),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// Push appends ev, or counts a drop when the ring is full or another
// producer holds the claim.
func (r *Ring) Push(ev *Event) bool {
	if !r.claim.CompareAndSwap(0, 1) {
		r.dropped.Add(1)
		return false
	}
	t := r.tail
	s := &r.buf[t&r.mask]
	if s.seq.Load() != t {
		r.claim.Store(0)
		r.dropped.Add(1)
		return false
	}
	s.ev = *ev
	s.seq.Store(t + 1)
	r.tail = t + 1
	r.claim.Store(0)
	return true
}

// Pop removes the oldest event into out.
func (r *Ring) Pop(out *Event) bool {
	h := r.head
	s := &r.buf[h&r.mask]
	if s.seq.Load() != h+1 {
		return false
	}
	*out = s.ev
	s.seq.Store(h + r.step)
	r.head = h + 1
	return true
}

// Drain pops up to max events into fn and returns how many it took.
func (r *Ring) Drain(max int, fn func(*Event)) int {
	var ev Event
	n := 0
	for n < max && r.Pop(&ev) {
		fn(&ev)
		n++
	}
	return n
}

// Dropped returns the number of events lost so far.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
