// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ PRIORITY & DECAY ENGINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Scheduled priority computation
//
// Description:
//   Derives each thread's scheduled priority from its base priority, its mode, its decayed
//   processor usage and any depressions or promotions in force. Timeshare threads lose
//   priority in proportion to recent usage scaled by system load; usage ages geometrically
//   per scheduler tick.
//
// Locking:
//   Every method expects the caller to hold the thread's lock. Run bucket counters are the
//   exception: they are lock-free atomics read by every processor.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package priority

import (
	"sync/atomic"

	"schedcore/constants"
	"schedcore/machine"
	"schedcore/thread"
	"schedcore/tunables"
)

// SetPriOptions modify how a priority change is applied.
type SetPriOptions uint8

const (
	SetPriDefault SetPriOptions = 0
	// SetPriLazy skips the preemption check for a running thread.
	SetPriLazy SetPriOptions = 1 << 0
)

// Requeuer lets the engine move a queued thread when its priority or mode
// changes. The scheduler implements it with the pset lock.
type Requeuer interface {
	// RunQueueRemove pulls t off whatever run queue holds it.
	RunQueueRemove(t *thread.Thread) bool
	// RunQueueReinsert puts t back after a change.
	RunQueueReinsert(t *thread.Thread, opts thread.Options)
	// PriorityChanged is called for a thread that was not queued; the
	// scheduler checks whether its processor should preempt.
	PriorityChanged(t *thread.Thread, oldPri int, opts SetPriOptions)
}

// Engine owns the decay tables and the global load state.
type Engine struct {
	tu     *tunables.Tunables
	clock  machine.Clock
	tracer machine.Tracer
	rq     Requeuer

	buckets    [thread.BucketCount]atomic.Int64
	priShifts  [thread.BucketCount]atomic.Int32
	loads      [thread.BucketCount]atomic.Uint32
	schedTick  atomic.Uint32
	fixedShift int
	loadShifts [constants.NRQS]int8

	// OnFailsafe is called after a fail-safe demotion, with the thread lock held.
	OnFailsafe func(t *thread.Thread, computation int64)
}

// New builds an engine. rq may be nil until the scheduler attaches itself.
func New(tu *tunables.Tunables, clock machine.Clock, tracer machine.Tracer) *Engine {
	if tracer == nil {
		tracer = machine.NopTracer{}
	}
	e := &Engine{tu: tu, clock: clock, tracer: tracer}
	e.initTables()
	return e
}

// SetRequeuer attaches the run queue owner.
func (e *Engine) SetRequeuer(rq Requeuer) { e.rq = rq }

// SchedTick returns the current scheduler tick.
func (e *Engine) SchedTick() uint32 { return e.schedTick.Load() }

// AdvanceTick moves the scheduler tick forward by n and returns it.
func (e *Engine) AdvanceTick(n uint32) uint32 { return e.schedTick.Add(n) }

// PriShift returns the current decay shift of bucket b.
func (e *Engine) PriShift(b thread.Bucket) int { return int(e.priShifts[b].Load()) }

// FixedShift returns the usage-to-priority conversion shift.
func (e *Engine) FixedShift() int { return e.fixedShift }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULED PRIORITY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// RecomputeSchedPri derives the scheduled priority and applies it.
//
// Precedence:
//  1. Timeshare threads start from their decayed priority, others from base.
//  2. A depressed thread runs at DepressPri and nothing overrides it.
//  3. Otherwise poll depression applies, then the kernel promotion floor
//     (capped at MaxPriPromote outside realtime), then promotion reasons.
func (e *Engine) RecomputeSchedPri(t *thread.Thread, opts SetPriOptions) {
	pri := t.BasePri
	if t.Mode == thread.ModeTimeshare {
		pri = e.ComputeTimeshare(t)
	}
	if t.Has(thread.FlagDepress) {
		pri = constants.DepressPri
	} else {
		if t.Has(thread.FlagPollDepress) {
			pri = constants.DepressPri
		}
		if t.KernPromotionSchedPri > 0 {
			pri = max(pri, t.KernPromotionSchedPri)
			if t.Mode != thread.ModeRealtime {
				pri = min(pri, constants.MaxPriPromote)
			}
		}
		if t.Any(thread.PromotedMask) {
			if t.Has(thread.FlagRWPromoted) {
				pri = max(pri, constants.MinPriRWLock)
			}
			if t.Has(thread.FlagWaitQPromoted) {
				pri = max(pri, constants.MinPriWaitQ)
			}
			if t.Has(thread.FlagExecPromoted) {
				pri = max(pri, constants.MinPriExec)
			}
			if t.Has(thread.FlagFloorPromoted) {
				pri = max(pri, constants.MinPriFloor)
			}
		}
	}
	e.SetSchedPri(t, pri, opts)
}

// SetSchedPri installs pri, moving t within its run queue if it is queued.
func (e *Engine) SetSchedPri(t *thread.Thread, pri int, opts SetPriOptions) {
	old := t.SchedPri
	if pri == old {
		return
	}
	removed := false
	if e.rq != nil && t.Queued() {
		removed = e.rq.RunQueueRemove(t)
	}
	t.SchedPri = pri
	e.tracer.Trace(machine.EvPriChange, t.LastProcessor, uint64(t.ID), uint64(old), uint64(pri), 0)
	if e.rq == nil {
		return
	}
	if removed {
		e.rq.RunQueueReinsert(t, thread.OptTailQ)
		return
	}
	e.rq.PriorityChanged(t, old, opts)
}

// SetBasePriority sets the requested base priority and recomputes.
// A frozen base priority never decreases.
func (e *Engine) SetBasePriority(t *thread.Thread, pri int) {
	if pri < constants.MinPri || pri > constants.MaxPri {
		panicf("base priority %d out of range", pri)
	}
	t.ReqBasePri = pri
	if t.Has(thread.FlagBasePriFrozen) {
		pri = max(pri, t.BasePri)
	}
	t.BasePri = pri
	e.UpdateThreadBucket(t)
	e.RecomputeSchedPri(t, SetPriDefault)
}

// recomputeBase derives the base priority from mode and policy.
func (e *Engine) recomputeBase(t *thread.Thread) {
	pri := t.PolicyPri
	if t.Mode == thread.ModeRealtime {
		pri = t.RT.Priority
	} else if pri > constants.MaxPriKernel {
		pri = constants.MaxPriKernel
	}
	e.SetBasePriority(t, pri)
}

// SetPolicyPriority changes the non-realtime base priority request.
func (e *Engine) SetPolicyPriority(t *thread.Thread, pri int) {
	t.PolicyPri = pri
	e.recomputeBase(t)
}
