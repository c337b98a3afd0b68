package sched

import (
	"schedcore/constants"
	"schedcore/machine"
	"schedcore/thread"
)

// initialQuantum returns a fresh timeslice for t.
func (s *Scheduler) initialQuantum(t *thread.Thread) int64 {
	d := s.tu.D()
	if t.Mode == thread.ModeRealtime {
		return min(max(t.RT.Computation, d.MinRTQuantum), d.MaxRTQuantum)
	}
	return d.StdQuantum
}

// urgencyOf grades the thread on core for the platform's power hints.
func urgencyOf(t *thread.Thread) int {
	switch {
	case t.IsIdleThread:
		return 0
	case t.SchedPri >= constants.BasePriRTQueues:
		return 2
	case t.SchedPri <= constants.MaxPriThrottle:
		return 0
	}
	return 1
}

func (s *Scheduler) reportUrgency(p *Processor, t *thread.Thread) {
	if t.SchedPri >= constants.BasePriRTQueues {
		s.platform.UrgencyChanged(p.ID, urgencyOf(t), t.RT.Period, t.RT.Deadline)
		return
	}
	s.platform.UrgencyChanged(p.ID, urgencyOf(t), 0, 0)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUANTUM EXPIRY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// QuantumExpire handles the quantum timer of p firing at ctime: bill the
// elapsed slice, run the fail-safe, refresh priority, grant a new quantum
// and decide whether p should switch. The pending reasons are raised on p;
// the caller acts on them through ASTTaken.
func (s *Scheduler) QuantumExpire(p *Processor, ctime int64) {
	t := p.ActiveThread
	if t == nil || t.IsIdleThread {
		return
	}
	t.Lock.Lock()
	t.OnOwnCore = true
	ran := ctime - p.quantumStart
	if ran > 0 {
		s.ledger.Bill(t, ran)
		t.TotalRunTime += ran
	}
	s.Engine.AccountRun(t, ctime-p.lastAccount)
	p.lastAccount = ctime
	s.Engine.CheckFailsafe(t, ctime)

	if s.Engine.CanUpdate(t) {
		s.Engine.UpdatePriority(t)
	} else {
		s.Engine.LightweightUpdate(t)
	}

	t.QuantaExpired++
	t.QuantumRemaining = s.initialQuantum(t)
	p.QuantumEnd = ctime + t.QuantumRemaining
	p.FirstTimeslice = false
	p.quantumStart = ctime
	p.timer.Enter(p.QuantumEnd)

	check := thread.ASTQuantum
	if t.Has(thread.FlagKernel) {
		check |= thread.ASTUrgent
	}
	ps := p.Pset
	ps.Lock.Lock()
	p.updateFromThread(t)
	ps.noteExec(t.Bucket, ran)
	if ast := s.cswCheckLocked(p, t, check); ast != thread.ASTNone {
		p.astOn(ast)
	}
	ps.pendingASTUrgent.ClearBit(p.ID)
	ps.pendingASTPreempt.ClearBit(p.ID)
	ps.Lock.Unlock()

	s.obs.QuantumExpired(p.ID)
	s.tracer.Trace(machine.EvQuantumExpire, p.ID, uint64(t.ID), uint64(t.SchedPri), uint64(ran), 0)
	s.reportUrgency(p, t)
	realtime := t.Mode == thread.ModeRealtime
	t.OnOwnCore = false
	t.Lock.Unlock()

	s.considerMaintenance(p, ctime)
	if realtime {
		s.ConsiderRecommendedCores(ctime, t)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTEXT SWITCH CHECK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// cswCheckLocked reports the reasons p should stop running t, or ASTNone.
// check carries extra reasons to return with a preemption. pset lock held.
func (s *Scheduler) cswCheckLocked(p *Processor, t *thread.Thread, check thread.AST) thread.AST {
	ps := p.Pset
	ps.Lock.AssertHeld()
	cur := p.CurrentPri
	if t != nil && !t.IsIdleThread {
		cur = t.SchedPri
	}

	if ps.RT.Count() > 0 && s.okToRunRT(p) {
		pri := ps.RT.Priority()
		if (p.FirstTimeslice && pri > cur) || (!p.FirstTimeslice && pri >= cur) {
			return check | thread.ASTPreempt | thread.ASTUrgent
		}
		if pri == cur && deadlineAdd(ps.RT.EarliestDeadline(), s.tu.D().RTDeadlineEpsilon) < p.Deadline {
			return check | thread.ASTPreempt | thread.ASTUrgent
		}
	}

	if !p.Runq.Empty() {
		hi := p.Runq.HighQ()
		if (p.FirstTimeslice && hi > cur) || (!p.FirstTimeslice && hi >= cur) {
			if p.Runq.Urgency() > 0 {
				return check | thread.ASTPreempt | thread.ASTUrgent
			}
			return check | thread.ASTPreempt
		}
	}

	if p.State == ProcShutdown {
		return check | thread.ASTPreempt
	}
	if t != nil && !t.IsIdleThread {
		if !p.IsRecommended && !t.IsBound() {
			return check | thread.ASTPreempt
		}
		if s.avoidProcessor(p, t) {
			return check | thread.ASTPreempt
		}
		if t.State&(thread.StateWait|thread.StateTerminate|thread.StateSusp) != 0 {
			return check | thread.ASTPreempt
		}
		if t.Has(thread.FlagEagerPreempt) && (!p.Runq.Empty() || ps.RT.Count() > 0) {
			return check | thread.ASTPreempt
		}
	}
	if s.policy.shouldRebalance(s, p) {
		return check | thread.ASTPreempt
	}
	return thread.ASTNone
}

// cswCheck is cswCheckLocked taking the pset lock. It acknowledges any
// preemption signals p has been sent.
func (s *Scheduler) cswCheck(p *Processor, t *thread.Thread, check thread.AST) thread.AST {
	ps := p.Pset
	ps.Lock.Lock()
	defer ps.Lock.Unlock()
	ps.pendingASTUrgent.ClearBit(p.ID)
	ps.pendingASTPreempt.ClearBit(p.ID)
	return s.cswCheckLocked(p, t, check)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// AST DELIVERY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ASTCheck re-evaluates p after an interrupt and raises whatever
// reasons apply.
func (s *Scheduler) ASTCheck(p *Processor) {
	t := p.ActiveThread
	if t == nil {
		return
	}
	if ast := s.cswCheck(p, t, thread.ASTNone); ast != thread.ASTNone {
		p.astOn(ast)
	}
}

// ASTTaken acts on the reasons pending on p at a preemption point. An idle
// processor leaves idle; a running one blocks its current thread with the
// pending reasons when preemption is enabled.
func (s *Scheduler) ASTTaken(p *Processor) {
	t := p.ActiveThread
	if t == nil {
		return
	}
	if t.IsIdleThread {
		if p.astPeek()&thread.ASTPreempt != 0 {
			p.astConsume(thread.ASTScheduling)
			s.idleExit(p)
		}
		return
	}
	if p.astPeek()&thread.ASTPreempt == 0 || t.PreemptionLevel > 0 {
		return
	}
	reasons := p.astConsume(thread.ASTScheduling | thread.ASTRebalance)
	p.Preemptions++
	t.Lock.Lock()
	t.Preemptions++
	t.Lock.Unlock()
	s.obs.Preemption(p.ID)
	s.BlockReason(p, nil, nil, reasons)
}
