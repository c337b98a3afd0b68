package sched

import (
	"time"

	"github.com/sirupsen/logrus"

	"schedcore/debug"
	"schedcore/machine"
	"schedcore/thread"
)

// ConsiderRecommendedCores runs after a realtime thread's quantum expires.
// If the maintenance thread has been runnable but unserved for longer than
// the starvation threshold while cores are derecommended, every core is
// recommended until recommendedCoresMaintenance clears the failsafe.
func (s *Scheduler) ConsiderRecommendedCores(ctime int64, t *thread.Thread) {
	maint := s.maint
	maint.Lock.Lock()
	starved := ctime - maint.LastMadeRunnableTime
	starving := maint.State.Runnable() && maint.Queued() && starved > s.tu.D().StarvationThreshold
	maint.Lock.Unlock()
	if !starving {
		return
	}

	s.availLock.Lock()
	powered := s.online
	derecommended := s.recommended.Load()&powered != powered
	if s.failsafeActive || !derecommended {
		s.availLock.Unlock()
		return
	}
	s.failsafeActive = true
	s.failsafeStart = ctime
	s.failsafeThread = t.ID
	s.availLock.Unlock()

	if s.failsafeLog.AllowN(time.Unix(0, ctime), 1) {
		debug.DropFields("recommend", "maintenance thread starved; recommending all cores", logrus.Fields{
			"tid":     t.ID,
			"thread":  t.Name,
			"task":    t.TaskName,
			"starved": time.Duration(starved).String(),
		})
	}
	s.obs.RecommendFailsafe(true)
	s.tracer.Trace(machine.EvRecommend, s.master.ID, 1, uint64(t.ID), uint64(starved), 0)
	s.reapply()
}

// recommendedCoresMaintenance lifts the failsafe once it has been in force
// for the failsafe duration. The maintenance thread is running, so the
// starvation that raised it is over.
func (s *Scheduler) recommendedCoresMaintenance(now int64) {
	s.availLock.Lock()
	if !s.failsafeActive || now-s.failsafeStart < s.tu.D().FailsafeDuration {
		s.availLock.Unlock()
		return
	}
	s.failsafeActive = false
	offender := s.failsafeThread
	s.availLock.Unlock()

	debug.NoteFields("recommend", "recommendation failsafe cleared", logrus.Fields{"tid": offender})
	s.obs.RecommendFailsafe(false)
	s.tracer.Trace(machine.EvRecommend, s.master.ID, 0, uint64(offender), 0, 0)
	s.reapply()
}
