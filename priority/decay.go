// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: decay.go — Usage aging and timeshare priority
//
// Purpose:
//   - Ages cpu_usage / sched_usage by (5/8)^ticks using a shift table.
//   - Converts decayed usage into a timeshare priority.
//
// Notes:
//   - Usage is nanoseconds of processor time. The conversion to priority
//     points happens through the per-bucket pri_shift.
// ─────────────────────────────────────────────────────────────────────────────

package priority

import (
	"schedcore/constants"
	"schedcore/thread"
)

// shiftParms approximates (5/8)^n as (x >> shift1) ± (x >> |shift2|).
type shiftParms struct {
	shift1, shift2 int
}

// decayShifts is indexed by elapsed scheduler ticks.
var decayShifts = [constants.SchedDecayTicks]shiftParms{
	{1, 1}, {1, 3}, {1, -3}, {2, -7}, {3, 5}, {3, -5}, {4, -8}, {5, 7},
	{5, -7}, {6, -10}, {7, 10}, {7, -9}, {8, -11}, {9, 12}, {9, -11}, {10, -13},
	{11, 14}, {11, -13}, {12, -15}, {13, 17}, {13, -15}, {14, -17}, {15, 19}, {16, 18},
	{16, -19}, {17, 22}, {18, 20}, {18, -20}, {19, 26}, {20, 22}, {20, -22}, {21, -27},
}

// decay ages v by ticks.
func decay(v uint64, ticks uint32) uint64 {
	if ticks >= constants.SchedDecayTicks {
		return 0
	}
	p := decayShifts[ticks]
	if p.shift2 > 0 {
		return (v >> uint(p.shift1)) + (v >> uint(p.shift2))
	}
	return (v >> uint(p.shift1)) - (v >> uint(-p.shift2))
}

// ComputeTimeshare returns the decayed priority of a timeshare thread.
func (e *Engine) ComputeTimeshare(t *thread.Thread) int {
	limit := int(e.tu.DecayBandLimit)
	if t.BasePri > constants.BasePriForeground {
		limit += t.BasePri - constants.BasePriForeground
	}
	amount := 0
	if t.PriShift != constants.PriShiftNone {
		if d := t.SchedUsage >> uint(t.PriShift); d > uint64(limit) {
			amount = limit
		} else {
			amount = int(d)
		}
	}
	if amount > limit {
		amount = limit
	}
	pri := t.BasePri - amount
	if pri < constants.MaxPriThrottle {
		if t.MaxPriority > constants.MaxPriThrottle {
			pri = constants.MaxPriThrottle
		} else if pri < constants.MinPriUser {
			pri = constants.MinPriUser
		}
	} else if pri > constants.MaxPriKernel {
		pri = constants.MaxPriKernel
	}
	return pri
}

// AccountRun charges ns of processor time to t for the next update.
func (e *Engine) AccountRun(t *thread.Thread, ns int64) {
	if ns > 0 {
		t.SchedDelta += uint64(ns)
	}
}

// CanUpdate reports whether t has not been updated this tick.
func (e *Engine) CanUpdate(t *thread.Thread) bool {
	return t.SchedStamp != e.schedTick.Load()
}

// takeDelta returns and clears the time t ran since its last update.
func (e *Engine) takeDelta(t *thread.Thread) uint64 {
	delta := t.SchedDelta
	t.SchedDelta = 0
	return delta
}

// chargeUsage adds delta to the decaying usage of t while the system is
// contended. No-SMT threads are charged extra.
func (e *Engine) chargeUsage(t *thread.Thread, delta uint64) {
	if t.PriShift >= constants.PriShiftNone {
		return
	}
	if e.tu.SMTTimeshareEnabled != 0 && t.Has(thread.FlagNoSMT) {
		t.SchedUsage += (delta * uint64(e.tu.SMTSchedBonus16ths)) >> 4
	}
	t.SchedUsage += delta
}

// UpdatePriority performs the full per-tick update: accumulate, age,
// release an expired fail-safe demotion, refresh pri_shift and recompute.
func (e *Engine) UpdatePriority(t *thread.Thread) {
	now := e.schedTick.Load()
	ticks := now - t.SchedStamp
	t.SchedStamp = now

	aged := ticks * uint32(e.tu.DecayUsageAgeFactor)
	delta := e.takeDelta(t)
	if aged < constants.SchedDecayTicks {
		e.chargeUsage(t, delta)
		t.CPUUsage += delta + t.CPUDelta
		t.CPUDelta = 0
		t.CPUUsage = decay(t.CPUUsage, aged)
		t.SchedUsage = decay(t.SchedUsage, aged)
	} else {
		t.CPUUsage, t.CPUDelta, t.SchedUsage = 0, 0, 0
	}

	if t.Has(thread.FlagFailsafe) && e.clock.Now() >= t.SafeRelease {
		e.Undemote(t, thread.FlagFailsafe)
	}

	t.PriShift = int(e.priShifts[t.Bucket].Load())
	if t.Mode == thread.ModeTimeshare {
		e.RecomputeSchedPri(t, SetPriLazy)
	}
}

// LightweightUpdate charges the running thread without aging it. The
// processor time is held in CPUDelta until the next full update, and the
// priority is recomputed only when the timeshare value moved.
func (e *Engine) LightweightUpdate(t *thread.Thread) {
	if t.Mode != thread.ModeTimeshare {
		return
	}
	delta := e.takeDelta(t)
	e.chargeUsage(t, delta)
	t.CPUDelta += delta
	if e.ComputeTimeshare(t) != t.SchedPri {
		e.RecomputeSchedPri(t, SetPriLazy)
	}
}
