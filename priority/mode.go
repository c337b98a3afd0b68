// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: mode.go — Mode changes, demotions, promotions, depressions
//
// Purpose:
//   - Switches threads between fixed, timeshare and realtime.
//   - Demotes a thread to timeshare for a reason and restores it once the
//     last reason clears.
//   - Applies promotion floors and priority depressions.
//
// Notes:
//   - Demotion reasons stack: the true mode is saved once, by the first
//     reason, and restored only when no reason remains.
//   - A queued thread is removed before and reinserted after any change
//     that can move it between queues.
// ─────────────────────────────────────────────────────────────────────────────

package priority

import (
	"github.com/sirupsen/logrus"

	"schedcore/constants"
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/thread"
)

var panicf = debug.Panicf

func (e *Engine) pull(t *thread.Thread) bool {
	return e.rq != nil && t.Queued() && e.rq.RunQueueRemove(t)
}

func (e *Engine) push(t *thread.Thread, removed bool) {
	if removed {
		e.rq.RunQueueReinsert(t, thread.OptTailQ)
	}
}

// setMode installs mode and reclassifies the bucket.
func (e *Engine) setMode(t *thread.Thread, mode thread.Mode) {
	switch mode {
	case thread.ModeFixed, thread.ModeTimeshare, thread.ModeRealtime:
	default:
		panicf("thread %d: invalid sched mode %d", t.ID, mode)
	}
	t.Mode = mode
	e.UpdateThreadBucket(t)
}

// SetThreadMode changes the effective mode and recomputes priorities.
// Callers wanting to respect demotions use SetThreadModeUser.
func (e *Engine) SetThreadMode(t *thread.Thread, mode thread.Mode) {
	removed := e.pull(t)
	e.setMode(t, mode)
	e.recomputeBase(t)
	e.push(t, removed)
}

// SetThreadModeUser records a requested mode. While t is demoted only the
// saved mode changes; it takes effect at undemotion.
func (e *Engine) SetThreadModeUser(t *thread.Thread, mode thread.Mode) {
	removed := e.pull(t)
	if t.Any(thread.DemotedMask) {
		t.SavedMode = mode
	} else {
		e.setMode(t, mode)
	}
	e.recomputeBase(t)
	e.push(t, removed)
}

// ThreadModeUser returns the mode the thread asked for, ignoring demotion.
func ThreadModeUser(t *thread.Thread) thread.Mode {
	if t.Any(thread.DemotedMask) {
		return t.SavedMode
	}
	return t.Mode
}

// SetRealtime installs realtime parameters and switches t to realtime.
func (e *Engine) SetRealtime(t *thread.Thread, p thread.RTParams) {
	t.SetRealtime(p)
	e.SetThreadModeUser(t, thread.ModeRealtime)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// DEMOTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Demote drops t to timeshare for reason. Threads with a policy reset are
// never demoted.
func (e *Engine) Demote(t *thread.Thread, reason thread.Flags) {
	if reason&thread.DemotedMask != reason || reason == 0 {
		panicf("thread %d: %#x is not a demotion reason", t.ID, reason)
	}
	if t.Has(reason) {
		panicf("thread %d: demotion %#x already applied", t.ID, reason)
	}
	if t.PolicyReset {
		return
	}
	if t.Any(thread.DemotedMask) {
		t.Flags |= reason
		return
	}
	if t.SavedMode != thread.ModeNone {
		panicf("thread %d: saved mode %s without demotion", t.ID, t.SavedMode)
	}
	removed := e.pull(t)
	t.Flags |= reason
	t.SavedMode = t.Mode
	e.setMode(t, thread.ModeTimeshare)
	e.recomputeBase(t)
	e.push(t, removed)
	e.tracer.Trace(machine.EvDemote, t.LastProcessor, uint64(t.ID), uint64(reason), uint64(t.SavedMode), 0)
}

// Undemote clears reason and restores the saved mode if it was the last.
func (e *Engine) Undemote(t *thread.Thread, reason thread.Flags) {
	if !t.Has(reason) {
		panicf("thread %d: demotion %#x not applied", t.ID, reason)
	}
	t.Flags &^= reason
	if reason&thread.FlagFailsafe != 0 {
		t.Flags &^= thread.FlagFailsafeReported
	}
	if t.Any(thread.DemotedMask) {
		return
	}
	removed := e.pull(t)
	e.setMode(t, t.SavedMode)
	t.SavedMode = thread.ModeNone
	e.recomputeBase(t)
	e.push(t, removed)
	e.tracer.Trace(machine.EvUndemote, t.LastProcessor, uint64(t.ID), uint64(reason), uint64(t.Mode), 0)
}

// HasDemotion reports whether reason is in force.
func HasDemotion(t *thread.Thread, reason thread.Flags) bool { return t.Has(reason) }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PROMOTION & DEPRESSION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Promote applies a promotion floor. Applying a reason twice is a caller bug.
func (e *Engine) Promote(t *thread.Thread, reason thread.Flags) {
	if reason&thread.PromotedMask != reason || reason == 0 {
		panicf("thread %d: %#x is not a promotion reason", t.ID, reason)
	}
	if t.Has(reason) {
		panicf("thread %d: promotion %#x already applied", t.ID, reason)
	}
	t.Flags |= reason
	e.RecomputeSchedPri(t, SetPriDefault)
}

// Unpromote removes a promotion floor.
func (e *Engine) Unpromote(t *thread.Thread, reason thread.Flags) {
	if !t.Has(reason) {
		panicf("thread %d: promotion %#x not applied", t.ID, reason)
	}
	t.Flags &^= reason
	e.RecomputeSchedPri(t, SetPriDefault)
}

// PromoteKernel raises the kernel promotion floor to at least pri.
func (e *Engine) PromoteKernel(t *thread.Thread, pri int) {
	if pri > t.KernPromotionSchedPri {
		t.KernPromotionSchedPri = pri
		e.RecomputeSchedPri(t, SetPriDefault)
	}
}

// UnpromoteKernel drops the kernel promotion floor.
func (e *Engine) UnpromoteKernel(t *thread.Thread) {
	if t.KernPromotionSchedPri != 0 {
		t.KernPromotionSchedPri = 0
		e.RecomputeSchedPri(t, SetPriDefault)
	}
}

// Depress forces t to DepressPri until Undepress. flag is FlagDepress or
// FlagPollDepress.
func (e *Engine) Depress(t *thread.Thread, flag thread.Flags) {
	if flag != thread.FlagDepress && flag != thread.FlagPollDepress {
		panicf("thread %d: %#x is not a depression", t.ID, flag)
	}
	t.Flags |= flag
	e.RecomputeSchedPri(t, SetPriLazy)
}

// Undepress removes every depression.
func (e *Engine) Undepress(t *thread.Thread) {
	if t.Any(thread.DepressedMask) {
		t.Flags &^= thread.DepressedMask
		e.RecomputeSchedPri(t, SetPriDefault)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// FAIL-SAFE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// CheckFailsafe demotes a fixed or realtime thread that has computed for
// longer than the unsafe window without blocking. It is called on quantum
// expiry with the expiry time.
func (e *Engine) CheckFailsafe(t *thread.Thread, now int64) bool {
	var limit, penalty int64
	d := e.tu.D()
	switch t.Mode {
	case thread.ModeRealtime:
		limit, penalty = d.MaxUnsafeRTComputation, d.SafeRTDuration
	case thread.ModeFixed:
		limit, penalty = d.MaxUnsafeFixedComputation, d.SafeFixedDuration
	default:
		return false
	}
	if t.KernPromotionSchedPri != 0 || t.Any(thread.PromotedMask|thread.FlagSystemCritical) {
		return false
	}
	computation := now - t.ComputationEpoch + t.ComputationMetered
	if computation <= limit {
		return false
	}
	t.SafeRelease = now + penalty
	mode := t.Mode
	e.Demote(t, thread.FlagFailsafe)
	if !t.Has(thread.FlagFailsafe) {
		return false
	}
	e.tracer.Trace(machine.EvFailsafe, t.LastProcessor, uint64(t.ID), uint64(computation), uint64(t.SafeRelease), 0)
	if !t.Has(thread.FlagFailsafeReported) {
		t.Flags |= thread.FlagFailsafeReported
		debug.DropFields("failsafe", "thread demoted for excessive computation", logrus.Fields{
			"tid":         t.ID,
			"name":        t.Name,
			"mode":        mode.String(),
			"computation": computation,
			"limit":       limit,
			"release":     t.SafeRelease,
		})
	}
	if e.OnFailsafe != nil {
		e.OnFailsafe(t, computation)
	}
	return true
}

// SafeReleaseDue reports whether a fail-safe demotion of t may be lifted.
func (e *Engine) SafeReleaseDue(t *thread.Thread) bool {
	return t.Has(thread.FlagFailsafe) && e.clock.Now() >= t.SafeRelease
}

// clampUser keeps user requests out of the kernel bands.
func clampUser(pri int) int {
	return min(max(pri, constants.MinPriUser), constants.MaxPriUser)
}

// SetUserPriority sets a user-requested priority, capped by the task ceiling.
func (e *Engine) SetUserPriority(t *thread.Thread, pri int) {
	e.SetPolicyPriority(t, min(clampUser(pri), t.MaxPriority))
}
