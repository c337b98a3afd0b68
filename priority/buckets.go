// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: buckets.go — Run buckets and load-derived decay shifts
//
// Purpose:
//   - Lock-free counts of runnable threads per bucket.
//   - Per-bucket pri_shift recomputed from load at every scheduler tick.
//
// Notes:
//   - Counters are advisory load indicators; they are updated with atomics
//     outside the pset lock and may be momentarily stale.
// ─────────────────────────────────────────────────────────────────────────────

package priority

import (
	"schedcore/constants"
	"schedcore/thread"
)

// initTables computes the fixed conversion shift and the log2 load table.
func (e *Engine) initTables() {
	// Convert one tick's worth of usage to roughly BASEPRI_DEFAULT points
	// with 5/8 ** n aging.
	abstime := e.tu.D().SchedTick * 5 / 3
	shift := 0
	for abstime > constants.BasePriDefault {
		abstime >>= 1
		shift++
	}
	e.fixedShift = shift

	e.loadShifts[0] = -128 // INT8_MIN, never used as a real shift
	e.loadShifts[1] = 0
	for i, j, k := 2, 2, 1; i < constants.NRQS; k++ {
		for j <<= 1; i < j && i < constants.NRQS; i++ {
			e.loadShifts[i] = int8(k)
		}
	}
	for b := range e.priShifts {
		e.priShifts[b].Store(constants.PriShiftNone)
	}
}

// runWeight is the contribution of t to the run counters.
func (e *Engine) runWeight(t *thread.Thread) int64 {
	if e.tu.SMTTimeshareEnabled != 0 && t.Has(thread.FlagNoSMT) {
		return 2
	}
	return 1
}

// RunIncr counts t as runnable and returns the new total.
func (e *Engine) RunIncr(t *thread.Thread) int64 {
	w := e.runWeight(t)
	n := e.buckets[thread.BucketRun].Add(w)
	e.buckets[t.Bucket].Add(w)
	return n
}

// RunDecr removes t from the runnable counts and returns the new total.
func (e *Engine) RunDecr(t *thread.Thread) int64 {
	w := e.runWeight(t)
	n := e.buckets[thread.BucketRun].Add(-w)
	e.buckets[t.Bucket].Add(-w)
	return n
}

// RunCount returns the runnable count of bucket b.
func (e *Engine) RunCount(b thread.Bucket) int64 { return e.buckets[b].Load() }

// BucketFor classifies t by mode and base priority.
func BucketFor(t *thread.Thread) thread.Bucket {
	switch t.Mode {
	case thread.ModeFixed, thread.ModeRealtime:
		return thread.BucketFixPri
	case thread.ModeTimeshare:
		switch {
		case t.BasePri > constants.BasePriDefault:
			return thread.BucketShareFG
		case t.BasePri > constants.BasePriUtility:
			return thread.BucketShareDF
		case t.BasePri > constants.MaxPriThrottle:
			return thread.BucketShareUT
		default:
			return thread.BucketShareBG
		}
	}
	panicf("thread %d has invalid mode %d", t.ID, t.Mode)
	return thread.BucketRun
}

// UpdateThreadBucket reclassifies t, moving its runnable count if it is
// runnable, and refreshes its pri_shift.
func (e *Engine) UpdateThreadBucket(t *thread.Thread) {
	nb := BucketFor(t)
	ob := t.Bucket
	if nb == ob {
		return
	}
	if t.State&thread.StateRun != 0 {
		w := e.runWeight(t)
		e.buckets[ob].Add(-w)
		e.buckets[nb].Add(w)
	}
	t.Bucket = nb
	t.PriShift = int(e.priShifts[nb].Load())
}

// ComputeAverages recomputes the per-bucket load and pri_shift for ncpus
// available processors. The load of a timeshare bucket counts its own
// threads plus those of every more important bucket.
func (e *Engine) ComputeAverages(ncpus int) {
	if ncpus < 1 {
		ncpus = 1
	}
	acc := e.buckets[thread.BucketFixPri].Load()
	e.loads[thread.BucketRun].Store(uint32(clampLoad(e.buckets[thread.BucketRun].Load() / int64(ncpus))))
	e.loads[thread.BucketFixPri].Store(uint32(clampLoad(acc / int64(ncpus))))
	for _, b := range thread.TimeshareBuckets {
		acc += e.buckets[b].Load()
		load := clampLoad(acc / int64(ncpus))
		e.loads[b].Store(uint32(load))
		if load > 1 {
			e.priShifts[b].Store(int32(e.fixedShift - int(e.loadShifts[load])))
		} else {
			e.priShifts[b].Store(constants.PriShiftNone)
		}
	}
}

// Load returns the last computed load of bucket b.
func (e *Engine) Load(b thread.Bucket) int { return int(e.loads[b].Load()) }

func clampLoad(l int64) int64 {
	if l < 0 {
		return 0
	}
	if l > constants.NRQS-1 {
		return constants.NRQS - 1
	}
	return l
}
