// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ THREAD SELECTION
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: thread_select and work stealing
//
// Description:
//   Decides what a processor runs next: keep the current thread, take realtime work, take
//   the head of its own run queue, steal from a sibling processor or another pset, or idle.
//   The pset lock is dropped and retaken around the bounded backup delay and around
//   cross-pset stealing; every decision after a retake starts over.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"runtime"

	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/machine"
	"schedcore/rtqueue"
	"schedcore/runq"
	"schedcore/thread"
)

// mayKeep reports whether cur may stay on p. pset lock held.
func (s *Scheduler) mayKeep(p *Processor, cur *thread.Thread) bool {
	if cur.IsIdleThread || !cur.State.Runnable() || cur.State&(thread.StateTerminate|thread.StateSusp) != 0 {
		return false
	}
	if cur.IsBound() {
		return cur.BoundProcessor == p.ID
	}
	return p.IsRecommended && s.policy.mayRun(s, p, cur) && !s.policy.shouldRebalance(s, p) &&
		!s.avoidProcessor(p, cur)
}

// avoidProcessor reports whether the platform wants unbound t off p.
func (s *Scheduler) avoidProcessor(p *Processor, t *thread.Thread) bool {
	av, ok := s.platform.(machine.Avoider)
	return ok && !t.IsBound() && av.AvoidProcessor(p.ID, t)
}

// okToRunRT reports whether p may take realtime work right now. An avoided
// processor only takes it when every other available processor of its
// pset is already running realtime work. pset lock held.
func (s *Scheduler) okToRunRT(p *Processor) bool {
	if !p.IsRecommended || p.State == ProcShutdown {
		return false
	}
	if !s.avoided().Has(p.ID) {
		return true
	}
	ps := p.Pset
	others := ps.availableMap().Clear(p.ID) &^ s.avoided()
	return others&^ps.realtimeMap == 0
}

// backupDelay waits one backup interval with the pset lock dropped.
func (s *Scheduler) backupDelay() {
	if dl, ok := s.platform.(machine.Delayer); ok {
		dl.Delay(s.tu.D().BackupCPUDelay)
		return
	}
	runtime.Gosched()
}

// threadSelect returns the thread p runs next. cur is the thread on core;
// its lock is held. The pset lock is taken and released inside.
func (s *Scheduler) threadSelect(p *Processor, cur *thread.Thread, _ thread.AST) *thread.Thread {
	ps := p.Pset

	if !cur.IsIdleThread && cur.State.Runnable() && s.Engine.CanUpdate(cur) {
		s.Engine.UpdatePriority(cur)
	}

	stealTried := false
	for {
		ps.Lock.Lock()
		clearPendingAST(p)

		if p.State == ProcShutdown {
			return s.selectIdleLocked(p)
		}

		okRT := s.okToRunRT(p)
		if !okRT && p.IsRecommended && ps.RT.Count() > 0 && p.State != ProcShutdown {
			// An avoided core waits a bounded time for a better one to pick
			// the work up, then takes it as a backup.
			for i := int64(0); i < s.tu.BackupCPUTimeoutCount && ps.RT.Count() > 0 && !okRT; i++ {
				ps.Lock.Unlock()
				s.backupDelay()
				ps.Lock.Lock()
				okRT = s.okToRunRT(p)
			}
			if ps.RT.Count() > 0 && p.IsRecommended && p.State != ProcShutdown {
				okRT = true
			}
		}
		rtCount := ps.RT.Count()

		if s.mayKeep(p, cur) {
			if cur.SchedPri >= constants.BasePriRTQueues && p.FirstTimeslice {
				if p.Runq.HighQ() <= cur.SchedPri && (!okRT || rtCount == 0 || s.rtKeepRunning(p, cur)) {
					p.Deadline = cur.RT.Deadline
					ps.Lock.Unlock()
					return cur
				}
			} else if (rtCount == 0 || !okRT) && p.Runq.HighQ() < cur.SchedPri {
				if cur.SchedPri < constants.BasePriRTQueues {
					p.Deadline = constants.RTDeadlineNone
				}
				ps.Lock.Unlock()
				return cur
			}
		}

		if okRT {
			if next := s.rtChooseThread(p); next != nil {
				return s.selectedRT(p, next)
			}
		}

		if h, ok := p.Runq.Dequeue(runq.TailQ); ok {
			return s.selectedRegular(p, s.threadOf(uint32(h)))
		}

		if next := s.stealSibling(p); next != nil {
			s.obs.Steal(p.ID, false)
			s.tracer.Trace(machine.EvSteal, p.ID, uint64(next.ID), 0, 0, 0)
			return s.selectedRegular(p, next)
		}

		if !stealTried && len(s.psets) > 1 && p.IsRecommended {
			stealTried = true
			ps.Lock.Unlock()
			if next := s.stealThread(p); next != nil {
				ps.Lock.Lock()
				s.obs.Steal(p.ID, false)
				s.tracer.Trace(machine.EvSteal, p.ID, uint64(next.ID), 1, 0, 0)
				return s.selectedRegular(p, next)
			}
			continue
		}

		return s.selectIdleLocked(p)
	}
}

// rtKeepRunning decides whether realtime cur keeps p with realtime work
// queued. A same priority thread displaces cur when its deadline is earlier
// by more than epsilon. A higher priority thread always displaces it in
// strict mode; otherwise cur keeps going while its computation plus that
// thread's still fits the other's constraint and no other pset holds an
// earlier deadline. pset lock held.
func (s *Scheduler) rtKeepRunning(p *Processor, cur *thread.Thread) bool {
	ps := p.Pset
	eps := s.tu.D().RTDeadlineEpsilon
	hi, ok := ps.RT.Peek()
	if !ok || hi.Pri < cur.SchedPri {
		return true
	}
	if hi.Pri == cur.SchedPri {
		return deadlineAdd(hi.Deadline, eps) >= p.Deadline
	}
	if s.tu.StrictRTPriority != 0 {
		return false
	}
	if cur.RT.Computation+hi.Computation+eps >= hi.Constraint {
		return false
	}
	for o := ps.next; o != ps; o = o.next {
		if o.stealableRTEarliest.Load() < hi.Deadline {
			return false
		}
	}
	return true
}

// selectedRT finishes a pick from the realtime queue and sends a followup
// IPI when more realtime work is waiting. pset lock held on entry,
// released on return.
func (s *Scheduler) selectedRT(p *Processor, next *thread.Thread) *thread.Thread {
	ps := p.Pset
	s.markRunning(p)
	p.Deadline = next.RT.Deadline
	ps.realtimeMap = ps.realtimeMap.Set(p.ID)
	var followup *Processor
	kind := machine.IPINone
	if ps.RT.Count() > 0 {
		if followup = s.chooseNextRTProcessorForIPI(ps, cpumap.Of(p.ID)); followup != nil {
			kind = s.ipiAction(followup, nil, ipiEventRTPreempt)
		}
	}
	ps.updateRTStealable()
	ps.Lock.Unlock()
	s.ipiPerform(followup, kind, ipiEventRTPreempt)
	return next
}

// selectedRegular finishes a pick from a regular queue, sending a spill
// IPI to an idle processor when p's queue still has work. pset lock held on
// entry, released on return.
func (s *Scheduler) selectedRegular(p *Processor, next *thread.Thread) *thread.Thread {
	ps := p.Pset
	next.SetRunq(thread.NoProcessor)
	s.markRunning(p)
	p.Deadline = constants.RTDeadlineNone
	var spill *Processor
	kind := machine.IPINone
	if p.Runq.Count() > 0 {
		if id := (ps.stateMap[ProcIdle] & ps.recommended).RotateFirst(p.ID + 1); id >= 0 {
			spill = s.processors[id]
			ps.pendingSpill.SetBit(id)
			kind = s.ipiAction(spill, nil, ipiEventSpill)
		}
	}
	ps.updateRTStealable()
	ps.Lock.Unlock()
	s.ipiPerform(spill, kind, ipiEventSpill)
	return next
}

// selectIdleLocked returns the idle thread, moving p to idle unless it is
// shutting down. pset lock held on entry, released on return.
func (s *Scheduler) selectIdleLocked(p *Processor) *thread.Thread {
	ps := p.Pset
	p.Deadline = constants.RTDeadlineNone
	ps.realtimeMap = ps.realtimeMap.Clear(p.ID)
	if p.State != ProcShutdown && p.State != ProcIdle {
		ps.setState(p, ProcIdle)
	}
	var sib *Processor
	kind := machine.IPINone
	if p.State == ProcIdle {
		if sib = s.policy.idleRebalance(s, p); sib != nil {
			kind = s.ipiAction(sib, nil, ipiEventSMTRebalance)
		}
	}
	ps.updateRTStealable()
	ps.Lock.Unlock()
	s.ipiPerform(sib, kind, ipiEventSMTRebalance)
	return p.IdleThread
}

// markRunning moves an idle or dispatching processor to running. pset lock held.
func (s *Scheduler) markRunning(p *Processor) {
	if p.State == ProcIdle || p.State == ProcDispatching {
		p.Pset.setState(p, ProcRunning)
	}
	p.Pset.pendingSpill.ClearBit(p.ID)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REALTIME STEALING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// rtChooseThread takes the next realtime thread for p: stolen from another
// pset when one holds a deadline earlier than the local earliest by more
// than epsilon, else dequeued locally. pset lock held; it may be dropped
// and retaken.
func (s *Scheduler) rtChooseThread(p *Processor) *thread.Thread {
	ps := p.Pset
	if len(s.psets) > 1 {
		if t := s.rtStealThread(ps, ps.RT.EarliestDeadline()); t != nil {
			s.obs.Steal(p.ID, true)
			s.tracer.Trace(machine.EvSteal, p.ID, uint64(t.ID), 2, uint64(t.RT.Deadline), 0)
			return t
		}
	}
	e, ok := ps.RT.Dequeue(s.rtPolicy())
	if !ok {
		return nil
	}
	t := s.threadOf(uint32(e.H))
	t.SetRTQueue(thread.NoProcessor)
	return t
}

// rtStealThread looks for a pset whose stealable deadline beats
// earliest-epsilon, switches to its lock and dequeues from it. If that
// pset's deadline moved before the lock was taken, the search repeats
// against the updated target. Called and returns with ps locked.
func (s *Scheduler) rtStealThread(ps *ProcessorSet, earliest int64) *thread.Thread {
	eps := s.tu.D().RTDeadlineEpsilon
	target := earliest - eps
	if earliest == constants.RTDeadlineNone {
		target = earliest
	}
	for attempt := 0; attempt < len(s.psets); attempt++ {
		var nset *ProcessorSet
		best := target
		for o := ps.next; o != ps; o = o.next {
			if d := o.stealableRTEarliest.Load(); d < best {
				best, nset = d, o
			}
		}
		if nset == nil {
			return nil
		}

		ps.Lock.Unlock()
		nset.Lock.Lock()
		var stolen *thread.Thread
		if nset.RT.Count() > 0 && nset.RT.EarliestDeadline() <= target {
			e, _ := nset.RT.Dequeue(rtqueue.Policy{Strict: false, Epsilon: eps})
			stolen = s.threadOf(uint32(e.H))
			stolen.SetRTQueue(thread.NoProcessor)
		}
		nset.updateRTStealable()
		nset.Lock.Unlock()
		ps.Lock.Lock()

		if stolen != nil {
			return stolen
		}
		if earliest = ps.RT.EarliestDeadline(); earliest != constants.RTDeadlineNone {
			target = earliest - eps
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REGULAR STEALING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// stealSibling takes the best unbound thread from the busiest run queue of
// another processor in p's pset. pset lock held.
func (s *Scheduler) stealSibling(p *Processor) *thread.Thread {
	if !p.IsRecommended {
		return nil
	}
	return s.stealFrom(p.Pset, p)
}

// stealFrom removes the first unbound thread, in dequeue order, from the
// longest queue of a busy processor of ps other than thief. ps lock held.
func (s *Scheduler) stealFrom(ps *ProcessorSet, thief *Processor) *thread.Thread {
	ps.Lock.AssertHeld()
	var victim *Processor
	for _, q := range ps.Processors {
		if q == thief || q.Runq.Empty() || q.State < ProcDispatching {
			continue
		}
		if victim == nil || q.Runq.Count() > victim.Runq.Count() {
			victim = q
		}
	}
	if victim == nil {
		return nil
	}
	var found *thread.Thread
	victim.Runq.Each(func(h runq.Handle, _ int) bool {
		t := s.threadOf(uint32(h))
		if t.IsBound() || !s.policy.mayRun(s, thief, t) {
			return true
		}
		found = t
		return false
	})
	if found == nil {
		return nil
	}
	victim.Runq.Remove(runqHandle(found))
	found.SetRunq(thread.NoProcessor)
	return found
}

// stealThread visits the other psets in ring order and steals from the
// first with spare work. Called and returns without p's pset lock.
func (s *Scheduler) stealThread(p *Processor) *thread.Thread {
	for o := p.Pset.next; o != p.Pset; o = o.next {
		o.Lock.Lock()
		t := s.stealFrom(o, p)
		o.Lock.Unlock()
		if t != nil {
			return t
		}
	}
	return nil
}
