package sched

import (
	"schedcore/constants"
	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/rtqueue"
	"schedcore/runq"
	"schedcore/thread"
)

// Setrun queues the runnable thread t and signals whichever processor
// should look at it. self is the processor making the call, or nil.
// Thread lock held.
func (s *Scheduler) Setrun(self *Processor, t *thread.Thread, opts thread.Options) {
	s.setrun(self, t, opts)
}

func (s *Scheduler) setrun(self *Processor, t *thread.Thread, opts thread.Options) {
	if !t.State.Runnable() || t.Queued() || t.IsIdleThread {
		debug.Panicf("sched: setrun of thread %d in state %s (queued=%v)", t.ID, t.State, t.Queued())
	}
	if s.Engine.CanUpdate(t) {
		s.Engine.UpdatePriority(t)
	}

	var p *Processor
	if t.IsBound() {
		p = s.processors[t.BoundProcessor]
		p.Pset.Lock.Lock()
	} else {
		start, hint := s.startingPset(t)
		p = s.chooseProcessor(start, hint, t)
	}
	t.ChosenProcessor = p.ID
	s.tracer.Trace(machine.EvSetrun, p.ID, uint64(t.ID), uint64(t.SchedPri), uint64(opts), 0)

	// Bound threads always use their processor's own queue.
	if t.SchedPri >= constants.BasePriRTQueues && !t.IsBound() {
		s.realtimeSetrun(self, p, t)
		return
	}
	s.processorSetrun(self, p, t, opts)
}

// processorSetrun queues t on p's run queue and decides whether p must
// preempt. p's pset lock held on entry, released on return.
func (s *Scheduler) processorSetrun(self, p *Processor, t *thread.Thread, opts thread.Options) {
	ps := p.Pset
	preempt := thread.ASTNone
	switch {
	case runq.IsUrgent(t.SchedPri) && t.SchedPri > p.CurrentPri:
		preempt = thread.ASTPreempt | thread.ASTUrgent
	case p.CurrentIsEagerPreem:
		preempt = thread.ASTPreempt | thread.ASTUrgent
	case t.Mode == thread.ModeTimeshare && t.SchedPri < t.BasePri:
		// Decayed below its base: preempt only for an urgent base.
		if runq.IsUrgent(t.BasePri) && t.SchedPri > p.CurrentPri && opts&thread.OptPreempt != 0 {
			preempt = thread.ASTPreempt
		}
	case opts&thread.OptPreempt != 0:
		preempt = thread.ASTPreempt
	}

	qopt := runq.TailQ
	if opts&thread.OptHeadQ != 0 {
		qopt = runq.HeadQ
	}
	p.Runq.Enqueue(runqHandle(t), t.SchedPri, qopt)
	t.SetRunq(p.ID)

	event := ipiEventPreempt
	if t.IsBound() && p != self {
		event = ipiEventBoundThread
	}
	signal := false
	switch p.State {
	case ProcIdle:
		signal = true
	case ProcDispatching:
		if preempt != thread.ASTNone && t.SchedPri > p.CurrentPri {
			ps.pendingASTPreempt.SetBit(p.ID)
			if preempt&thread.ASTUrgent != 0 {
				ps.pendingASTUrgent.SetBit(p.ID)
			}
		}
	case ProcRunning:
		signal = preempt != thread.ASTNone && t.SchedPri >= p.CurrentPri
	case ProcShutdown:
		signal = t.SchedPri >= p.CurrentPri
	}

	kind := machine.IPINone
	if signal {
		if p == self {
			if ast := s.cswCheckLocked(p, p.ActiveThread, thread.ASTNone); ast != thread.ASTNone {
				p.astOn(ast)
			}
		} else {
			kind = s.ipiAction(p, t, event)
		}
	}
	ps.Lock.Unlock()
	s.ipiPerform(p, kind, event)
}

type rtSignal struct {
	p    *Processor
	kind machine.IPIType
}

// realtimeSetrun queues t on the RT queue of p's pset and signals p plus up
// to rt_n_backup_processors other candidates, so that one slow responder
// does not delay the thread. p's pset lock held on entry, released on return.
func (s *Scheduler) realtimeSetrun(self, p *Processor, t *thread.Thread) {
	ps := p.Pset
	d := s.tu.D()

	nBackup := 0
	if t.RT.Constraint <= d.RTConstraintThreshold {
		nBackup = int(s.tu.RTBackupProcessors)
	}

	ps.RT.Enqueue(rtqueue.Entry{
		H:           rtHandle(t),
		Pri:         t.SchedPri,
		Deadline:    t.RT.Deadline,
		Constraint:  t.RT.Constraint,
		Computation: t.RT.Computation,
	})
	t.SetRTQueue(ps.ID)
	ps.updateRTStealable()

	// Urgent ASTs already in flight beyond the queued threads act as backups.
	if existing := ps.pendingASTUrgent.Load().Count() - ps.RT.Count(); existing > 0 {
		nBackup = max(nBackup-existing, 0)
	}

	signals := make([]rtSignal, 0, nBackup+1)
	skip := cpumap.None
	for i := 0; i <= nBackup; i++ {
		target := p
		if i > 0 {
			if target = s.chooseNextRTProcessorForIPI(ps, skip); target == nil {
				break
			}
		}
		skip = skip.Set(target.ID)

		preempt := thread.ASTNone
		if t.SchedPri > target.CurrentPri {
			preempt = thread.ASTPreempt | thread.ASTUrgent
		} else if t.SchedPri == target.CurrentPri && deadlineAdd(t.RT.Deadline, d.RTDeadlineEpsilon) < target.Deadline {
			preempt = thread.ASTPreempt | thread.ASTUrgent
		}
		if preempt == thread.ASTNone {
			continue
		}

		kind := machine.IPINone
		switch target.State {
		case ProcIdle:
			if target == self {
				ps.setState(target, ProcDispatching)
				target.astOn(preempt)
				ps.pendingASTUrgent.SetBit(target.ID)
				ps.pendingASTPreempt.SetBit(target.ID)
			} else {
				kind = s.ipiAction(target, t, ipiEventRTPreempt)
			}
		case ProcDispatching:
			ps.pendingASTUrgent.SetBit(target.ID)
			ps.pendingASTPreempt.SetBit(target.ID)
		case ProcRunning, ProcShutdown:
			if target == self {
				target.astOn(preempt)
				ps.pendingASTUrgent.SetBit(target.ID)
				ps.pendingASTPreempt.SetBit(target.ID)
			} else {
				kind = s.ipiAction(target, t, ipiEventRTPreempt)
			}
		}
		signals = append(signals, rtSignal{target, kind})
	}
	ps.Lock.Unlock()

	for _, sig := range signals {
		s.ipiPerform(sig.p, sig.kind, ipiEventRTPreempt)
	}
}

// chooseNextRTProcessorForIPI picks another processor of ps that could
// take queued realtime work. pset lock held.
func (s *Scheduler) chooseNextRTProcessorForIPI(ps *ProcessorSet, skip cpumap.Map) *Processor {
	return s.rtCandidate(ps, skip, false, true)
}

// resetrun re-places threads drained from a queue. No locks held.
func (s *Scheduler) resetrun(self *Processor, threads []*thread.Thread) {
	for _, t := range threads {
		t.Lock.Lock()
		if t.State.Runnable() && !t.Queued() {
			s.setrun(self, t, thread.OptTailQ)
		}
		t.Lock.Unlock()
	}
}
