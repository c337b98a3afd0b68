// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ PRIORITY RUN QUEUE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Per-processor regular run queue
//
// Description:
//   128-level priority queue of thread handles. Each level is an intrusive doubly linked list
//   stored in a handle-indexed arena; a two-word bitmap with a one-word summary tracks the
//   non-empty levels so the highest occupied priority is found with two bit scans.
//
// Ordering:
//   - Tail insert appends to the back of its level, head insert pushes to the front.
//   - Tail dequeue pops the front (insertion order), head dequeue pops the back (most recent).
//
// Concurrency:
//   Not internally locked. The owning processor set lock serializes every call.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package runq

import (
	"math/bits"

	"schedcore/constants"
	"schedcore/debug"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Handle identifies a queued entry. Thread IDs are used directly.
type Handle uint32

// Option selects the end of a level to insert into or remove from.
type Option uint8

const (
	TailQ Option = iota
	HeadQ
)

const (
	nilIdx   Handle = ^Handle(0)
	wordBits        = 64
	nWords          = constants.NRQS / wordBits
)

// node is the intrusive link stored per handle.
type node struct {
	pri  int16 // level holding the handle, or -1 when free
	prev Handle
	next Handle
}

// level is one priority's list.
type level struct {
	head Handle
	tail Handle
	n    int
}

// Queue is a regular run queue.
type Queue struct {
	levels  [constants.NRQS]level
	words   [nWords]uint64 // bit p%64 of word p/64 set when level p is non-empty
	summary uint64         // bit w set when words[w] != 0
	highq   int
	count   int
	urgency int
	arena   []node
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// New returns an empty queue.
func New() *Queue {
	q := &Queue{highq: constants.NoPri}
	for i := range q.levels {
		q.levels[i] = level{head: nilIdx, tail: nilIdx}
	}
	return q
}

// ensure grows the arena so h is addressable.
func (q *Queue) ensure(h Handle) *node {
	if int(h) >= len(q.arena) {
		n := len(q.arena) * 2
		if n <= int(h) {
			n = int(h) + 64
		}
		grown := make([]node, n)
		copy(grown, q.arena)
		for i := len(q.arena); i < n; i++ {
			grown[i] = node{pri: -1, prev: nilIdx, next: nilIdx}
		}
		q.arena = grown
	}
	return &q.arena[h]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// HighQ returns the highest occupied priority or NoPri.
func (q *Queue) HighQ() int { return q.highq }

// Count returns the number of queued handles.
func (q *Queue) Count() int { return q.count }

// Urgency returns the number of queued handles at urgent priority.
func (q *Queue) Urgency() int { return q.urgency }

// Empty reports whether nothing is queued.
func (q *Queue) Empty() bool { return q.count == 0 }

// LevelCount returns the number of handles queued at pri.
func (q *Queue) LevelCount(pri int) int { return q.levels[pri].n }

// Contains reports whether h is queued.
func (q *Queue) Contains(h Handle) bool {
	return int(h) < len(q.arena) && q.arena[h].pri >= 0
}

// PriorityOf returns the level holding h, or NoPri.
func (q *Queue) PriorityOf(h Handle) int {
	if !q.Contains(h) {
		return constants.NoPri
	}
	return int(q.arena[h].pri)
}

// IsUrgent reports whether pri counts towards urgency.
//
//go:nosplit
//go:inline
func IsUrgent(pri int) bool { return pri >= constants.BasePriPreempt }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BITMAP MAINTENANCE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (q *Queue) setBit(pri int) {
	w := pri / wordBits
	q.words[w] |= 1 << uint(pri%wordBits)
	q.summary |= 1 << uint(w)
}

func (q *Queue) clearBit(pri int) {
	w := pri / wordBits
	q.words[w] &^= 1 << uint(pri%wordBits)
	if q.words[w] == 0 {
		q.summary &^= 1 << uint(w)
	}
}

// scanHigh recomputes highq from the bitmap.
func (q *Queue) scanHigh() int {
	if q.summary == 0 {
		return constants.NoPri
	}
	w := 63 - bits.LeadingZeros64(q.summary)
	return w*wordBits + 63 - bits.LeadingZeros64(q.words[w])
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Enqueue inserts h at pri. It reports whether the insertion raised HighQ.
// Enqueueing a handle that is already queued is a contract violation.
func (q *Queue) Enqueue(h Handle, pri int, opt Option) bool {
	if pri < constants.MinPri || pri > constants.MaxPri {
		debug.Panicf("runq: priority %d out of range", pri)
	}
	n := q.ensure(h)
	if n.pri >= 0 {
		debug.Panicf("runq: handle %d enqueued twice", h)
	}
	lv := &q.levels[pri]
	n.pri = int16(pri)
	raised := false
	if lv.n == 0 {
		n.prev, n.next = nilIdx, nilIdx
		lv.head, lv.tail = h, h
		q.setBit(pri)
		if pri > q.highq {
			q.highq = pri
			raised = true
		}
	} else if opt == TailQ {
		n.prev, n.next = lv.tail, nilIdx
		q.arena[lv.tail].next = h
		lv.tail = h
	} else {
		n.prev, n.next = nilIdx, lv.head
		q.arena[lv.head].prev = h
		lv.head = h
	}
	lv.n++
	q.count++
	if IsUrgent(pri) {
		q.urgency++
	}
	return raised
}

// unlink removes h from its level and fixes the summaries.
func (q *Queue) unlink(h Handle) {
	n := &q.arena[h]
	pri := int(n.pri)
	lv := &q.levels[pri]
	if n.prev != nilIdx {
		q.arena[n.prev].next = n.next
	} else {
		lv.head = n.next
	}
	if n.next != nilIdx {
		q.arena[n.next].prev = n.prev
	} else {
		lv.tail = n.prev
	}
	n.pri, n.prev, n.next = -1, nilIdx, nilIdx
	lv.n--
	q.count--
	if IsUrgent(pri) {
		q.urgency--
	}
	if lv.n == 0 {
		q.clearBit(pri)
		if pri == q.highq {
			q.highq = q.scanHigh()
		}
	}
}

// Dequeue removes the best handle. TailQ takes the oldest entry of the
// highest level, HeadQ the newest.
func (q *Queue) Dequeue(opt Option) (Handle, bool) {
	if q.count == 0 {
		return nilIdx, false
	}
	lv := &q.levels[q.highq]
	h := lv.head
	if opt == HeadQ {
		h = lv.tail
	}
	q.unlink(h)
	return h, true
}

// Remove extracts h wherever it is queued. It reports whether h was queued.
func (q *Queue) Remove(h Handle) bool {
	if !q.Contains(h) {
		return false
	}
	q.unlink(h)
	return true
}

// Peek returns the handle a TailQ dequeue would return, and its priority.
func (q *Queue) Peek() (Handle, int, bool) {
	if q.count == 0 {
		return nilIdx, constants.NoPri, false
	}
	return q.levels[q.highq].head, q.highq, true
}

// Each visits queued handles from the highest level down, in dequeue order,
// until fn returns false. fn must not mutate the queue.
func (q *Queue) Each(fn func(h Handle, pri int) bool) {
	for w := nWords - 1; w >= 0; w-- {
		m := q.words[w]
		for m != 0 {
			b := 63 - bits.LeadingZeros64(m)
			m &^= 1 << uint(b)
			pri := w*wordBits + b
			for h := q.levels[pri].head; h != nilIdx; h = q.arena[h].next {
				if !fn(h, pri) {
					return
				}
			}
		}
	}
}

// Drain removes every handle, highest level first, passing each to fn.
func (q *Queue) Drain(fn func(h Handle, pri int)) {
	for q.count > 0 {
		pri := q.highq
		h, _ := q.Dequeue(TailQ)
		fn(h, pri)
	}
}
