// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: maintenance.go — Scheduler tick and periodic upkeep
//
// Purpose:
//   - A fixed-priority kernel thread woken once per scheduler tick. It
//     advances the tick, recomputes load averages and decay shifts, ages
//     runnable threads that have not run, and lifts an expired
//     recommendation failsafe.
//
// Notes:
//   - Any processor may notice the tick is due (quantum expiry, idle exit);
//     a CAS on the next deadline picks exactly one waker.
// ─────────────────────────────────────────────────────────────────────────────

package sched

import (
	"schedcore/constants"
	"schedcore/thread"
)

func (s *Scheduler) createMaintenanceThread() *thread.Thread {
	return s.CreateThread(ThreadSpec{
		Name:     "sched_maintenance",
		TaskName: "kernel_task",
		Mode:     thread.ModeFixed,
		Priority: constants.MaxPriKernel,
		Flags:    thread.FlagKernel | thread.FlagSystemCritical,
		Entry:    s.maintenanceContinue,
	})
}

// considerMaintenance wakes the maintenance thread when a tick is due.
func (s *Scheduler) considerMaintenance(self *Processor, ctime int64) {
	due := s.nextMaintenance.Load()
	if ctime < due {
		return
	}
	if !s.nextMaintenance.CompareAndSwap(due, ctime+s.tu.D().SchedTick) {
		return
	}
	s.Wakeup(self, s.maint, thread.WaitAwakened)
}

// maintenanceContinue is the body of the maintenance thread.
func (s *Scheduler) maintenanceContinue(_ any, _ thread.WaitResult) {
	p := s.processors[s.maint.LastProcessor]
	now := s.clock.Now()
	tick := s.tu.D().SchedTick
	if n := (now - s.lastTickTime) / tick; n > 0 {
		s.Engine.AdvanceTick(uint32(n))
		s.lastTickTime += n * tick
	}
	s.Engine.ComputeAverages(s.availableCount())
	s.updateScan()
	s.recommendedCoresMaintenance(now)

	s.AssertWait(s.maint, false)
	s.BlockReason(p, s.maintenanceContinue, nil, thread.ASTNone)
}

// availableCount counts processors able to take unbound work.
func (s *Scheduler) availableCount() int {
	n := 0
	for _, ps := range s.psets {
		ps.Lock.Lock()
		n += ps.availableMap().Count()
		ps.Lock.Unlock()
	}
	return n
}

// updateScan refreshes the priority of runnable threads not updated this
// tick, so that queued threads age and fail-safe demotions are lifted
// without waiting for them to run, then publishes the run bucket counts.
func (s *Scheduler) updateScan() {
	s.Threads.Each(func(t *thread.Thread) bool {
		if t.IsIdleThread {
			return true
		}
		t.Lock.Lock()
		if t.State.Runnable() && s.Engine.CanUpdate(t) {
			s.Engine.UpdatePriority(t)
		}
		t.Lock.Unlock()
		return true
	})
	for b := thread.BucketRun; b < thread.BucketCount; b++ {
		s.obs.RunnableThreads(b, s.Engine.RunCount(b))
	}
}
