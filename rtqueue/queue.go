// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ REALTIME RUN QUEUE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Per-processor-set earliest-deadline realtime queue
//
// Description:
//   One deadline-ordered sub-queue per realtime priority (97..127). Each level caches the
//   deadline and constraint of its head; the queue caches the globally earliest deadline,
//   its constraint and the level holding it. Dequeue normally serves the highest priority,
//   but may serve the earliest deadline instead when both computations still fit inside the
//   higher priority thread's constraint.
//
// Invariants:
//   - EarliestDeadline equals the minimum head deadline over non-empty levels.
//   - Ties between levels keep the higher priority.
//   - Equal deadlines within a level keep insertion order.
//
// Concurrency:
//   Not internally locked. The owning processor set lock serializes every call.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package rtqueue

import (
	"github.com/cockroachdb/errors"

	"schedcore/constants"
	"schedcore/debug"
	"schedcore/utils"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Handle identifies a queued thread.
type Handle uint32

// Entry is a queued realtime thread and the parameters the queue orders by.
type Entry struct {
	H           Handle
	Pri         int
	Deadline    int64
	Constraint  int64
	Computation int64
}

// Policy carries the runtime tunables consulted by Dequeue.
type Policy struct {
	Strict  bool  // always serve the highest priority
	Epsilon int64 // slack added to the deadline-safety comparison
}

type level struct {
	entries          []Entry
	earliestDeadline int64
	constraint       int64
}

// Queue is a realtime run queue.
type Queue struct {
	// Debug runs CheckConsistency after every mutation.
	Debug bool

	levels           [constants.NRTQS]level
	bitmap           uint64 // bit i set when level i (pri BasePriRTQueues+i) is non-empty
	count            int
	earliestDeadline int64
	constraint       int64
	edIndex          int
	where            map[Handle]int // handle -> level index
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{where: make(map[Handle]int)}
	for i := range q.levels {
		q.levels[i].earliestDeadline = constants.RTDeadlineNone
		q.levels[i].constraint = constants.RTConstraintNone
	}
	q.resetAggregate()
	return q
}

func (q *Queue) resetAggregate() {
	q.earliestDeadline = constants.RTDeadlineNone
	q.constraint = constants.RTConstraintNone
	q.edIndex = constants.NoPri
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Count returns the number of queued threads.
func (q *Queue) Count() int { return q.count }

// Empty reports whether nothing is queued.
func (q *Queue) Empty() bool { return q.count == 0 }

// EarliestDeadline returns the earliest queued deadline or RTDeadlineNone.
func (q *Queue) EarliestDeadline() int64 { return q.earliestDeadline }

// Constraint returns the constraint of the earliest deadline thread.
func (q *Queue) Constraint() int64 { return q.constraint }

// EDPriority returns the priority holding the earliest deadline, or NoPri.
func (q *Queue) EDPriority() int {
	if q.edIndex == constants.NoPri {
		return constants.NoPri
	}
	return q.edIndex + constants.BasePriRTQueues
}

// Priority returns the highest queued priority or NoPri.
func (q *Queue) Priority() int {
	i := utils.MSBFirst(q.bitmap)
	if i < 0 {
		return constants.NoPri
	}
	return i + constants.BasePriRTQueues
}

// LevelCount returns the number of threads queued at pri.
func (q *Queue) LevelCount(pri int) int { return len(q.levels[index(pri)].entries) }

// Contains reports whether h is queued.
func (q *Queue) Contains(h Handle) bool {
	_, ok := q.where[h]
	return ok
}

// Peek returns the head of the highest priority level.
func (q *Queue) Peek() (Entry, bool) {
	i := utils.MSBFirst(q.bitmap)
	if i < 0 {
		return Entry{}, false
	}
	return q.levels[i].entries[0], true
}

// PeekEarliest returns the head of the level holding the earliest deadline.
func (q *Queue) PeekEarliest() (Entry, bool) {
	if q.edIndex == constants.NoPri {
		return Entry{}, false
	}
	return q.levels[q.edIndex].entries[0], true
}

// Each visits entries from the highest level down until fn returns false.
func (q *Queue) Each(fn func(Entry) bool) {
	for i := utils.MSBFirst(q.bitmap); i >= 0; i = utils.MSBNext(q.bitmap, i) {
		for _, e := range q.levels[i].entries {
			if !fn(e) {
				return
			}
		}
	}
}

func index(pri int) int {
	if pri < constants.BasePriRTQueues || pri > constants.MaxPri {
		debug.Panicf("rtqueue: priority %d outside the realtime band", pri)
	}
	return pri - constants.BasePriRTQueues
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Enqueue inserts e in deadline order within its priority. It reports
// whether e became the head of its level, which warrants a preemption check.
func (q *Queue) Enqueue(e Entry) bool {
	i := index(e.Pri)
	if _, dup := q.where[e.H]; dup {
		debug.Panicf("rtqueue: handle %d enqueued twice", e.H)
	}
	lv := &q.levels[i]

	// Insert after every entry with deadline <= e.Deadline.
	pos := len(lv.entries)
	for pos > 0 && lv.entries[pos-1].Deadline > e.Deadline {
		pos--
	}
	lv.entries = append(lv.entries, Entry{})
	copy(lv.entries[pos+1:], lv.entries[pos:])
	lv.entries[pos] = e

	earliest := pos == 0
	if earliest {
		lv.earliestDeadline = e.Deadline
		lv.constraint = e.Constraint
		if e.Deadline < q.earliestDeadline ||
			(e.Deadline == q.earliestDeadline && i > q.edIndex) {
			q.earliestDeadline = e.Deadline
			q.constraint = e.Constraint
			q.edIndex = i
		}
	}
	q.bitmap |= 1 << uint(i)
	q.where[e.H] = i
	q.count++
	q.check()
	return earliest
}

// Dequeue pops the next thread to run. With pol.Strict unset it serves the
// earliest deadline level instead of the highest priority level when
// ed.Computation + hi.Computation + pol.Epsilon < hi.Constraint.
func (q *Queue) Dequeue(pol Policy) (Entry, bool) {
	i := utils.MSBFirst(q.bitmap)
	if i < 0 {
		return Entry{}, false
	}
	if !pol.Strict && q.edIndex != i && q.edIndex != constants.NoPri {
		ed := q.levels[q.edIndex].entries[0]
		hi := q.levels[i].entries[0]
		if ed.Computation+hi.Computation+pol.Epsilon < hi.Constraint {
			i = q.edIndex
		}
	}
	e := q.removeAt(i, 0)
	q.check()
	return e, true
}

// Remove extracts h wherever it is queued.
func (q *Queue) Remove(h Handle) (Entry, bool) {
	i, ok := q.where[h]
	if !ok {
		return Entry{}, false
	}
	lv := &q.levels[i]
	for pos := range lv.entries {
		if lv.entries[pos].H == h {
			e := q.removeAt(i, pos)
			q.check()
			return e, true
		}
	}
	debug.Panicf("rtqueue: handle %d indexed at level %d but missing", h, i)
	return Entry{}, false
}

// Drain removes every entry in dequeue order of strict priority.
func (q *Queue) Drain(fn func(Entry)) {
	for q.count > 0 {
		e, _ := q.Dequeue(Policy{Strict: true})
		fn(e)
	}
}

func (q *Queue) removeAt(i, pos int) Entry {
	lv := &q.levels[i]
	e := lv.entries[pos]
	copy(lv.entries[pos:], lv.entries[pos+1:])
	lv.entries[len(lv.entries)-1] = Entry{}
	lv.entries = lv.entries[:len(lv.entries)-1]
	if len(lv.entries) == 0 {
		lv.earliestDeadline = constants.RTDeadlineNone
		lv.constraint = constants.RTConstraintNone
		q.bitmap &^= 1 << uint(i)
	} else if pos == 0 {
		lv.earliestDeadline = lv.entries[0].Deadline
		lv.constraint = lv.entries[0].Constraint
	}
	delete(q.where, e.H)
	q.count--
	q.rescan()
	return e
}

// rescan recomputes the aggregate earliest deadline from the level caches,
// highest priority first so that ties keep the higher priority.
func (q *Queue) rescan() {
	q.resetAggregate()
	for i := utils.MSBFirst(q.bitmap); i >= 0; i = utils.MSBNext(q.bitmap, i) {
		if q.levels[i].earliestDeadline < q.earliestDeadline {
			q.earliestDeadline = q.levels[i].earliestDeadline
			q.constraint = q.levels[i].constraint
			q.edIndex = i
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSISTENCY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (q *Queue) check() {
	if !q.Debug {
		return
	}
	if err := q.CheckConsistency(); err != nil {
		debug.Panicf("rtqueue: %v", err)
	}
}

// CheckConsistency rescans every level and reports the first cache mismatch.
func (q *Queue) CheckConsistency() error {
	total := 0
	earliest := constants.RTDeadlineNone
	constraint := constants.RTConstraintNone
	edIndex := constants.NoPri
	for i := constants.NRTQS - 1; i >= 0; i-- {
		lv := &q.levels[i]
		n := len(lv.entries)
		total += n
		if (n > 0) != (q.bitmap&(1<<uint(i)) != 0) {
			return errors.Newf("level %d: bitmap bit disagrees with %d entries", i, n)
		}
		if n == 0 {
			if lv.earliestDeadline != constants.RTDeadlineNone || lv.constraint != constants.RTConstraintNone {
				return errors.Newf("level %d: empty level has cached deadline %d", i, lv.earliestDeadline)
			}
			continue
		}
		if lv.earliestDeadline != lv.entries[0].Deadline || lv.constraint != lv.entries[0].Constraint {
			return errors.Newf("level %d: cached deadline %d, head deadline %d", i, lv.earliestDeadline, lv.entries[0].Deadline)
		}
		for pos := 1; pos < n; pos++ {
			if lv.entries[pos-1].Deadline > lv.entries[pos].Deadline {
				return errors.Newf("level %d: deadlines out of order at %d", i, pos)
			}
		}
		for _, e := range lv.entries {
			if e.Pri != i+constants.BasePriRTQueues {
				return errors.Newf("level %d: entry %d has priority %d", i, e.H, e.Pri)
			}
			if w, ok := q.where[e.H]; !ok || w != i {
				return errors.Newf("level %d: entry %d missing from index", i, e.H)
			}
		}
		if lv.earliestDeadline < earliest {
			earliest = lv.earliestDeadline
			constraint = lv.constraint
			edIndex = i
		}
	}
	if total != q.count || total != len(q.where) {
		return errors.Newf("count %d, index %d, scanned %d", q.count, len(q.where), total)
	}
	if earliest != q.earliestDeadline || constraint != q.constraint || edIndex != q.edIndex {
		return errors.Newf("aggregate (%d,%d,%d), scanned (%d,%d,%d)",
			q.earliestDeadline, q.constraint, q.edIndex, earliest, constraint, edIndex)
	}
	return nil
}
