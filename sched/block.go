// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: block.go — Blocking, waking and processor interrupts
//
// Purpose:
//   - The blocking entry points (BlockReason, Block, Run, Yield, Terminate),
//     the unblock path (Wakeup) and the interrupt path that drives pending
//     ASTs and idle exit.
//
// Notes:
//   - A thread only leaves a processor from inside BlockReason. Preemption
//     is ASTTaken calling BlockReason at a safe point.
//   - BlockReason returns on p's context once p runs something. A thread
//     that blocked with a continuation resumes by that continuation being
//     called after the switch; one without resumes wherever the platform
//     parked it in SwitchContext.
// ─────────────────────────────────────────────────────────────────────────────

package sched

import (
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/thread"
)

// BlockReason gives up p with reason. cont, when set, is the resume point of
// the thread on core. It returns the wait result of that thread if it kept p.
func (s *Scheduler) BlockReason(p *Processor, cont thread.Continuation, param any, reason thread.AST) thread.WaitResult {
	self := p.ActiveThread
	if self.PreemptionLevel > 0 {
		debug.Panicf("sched: thread %d blocks with preemption disabled (level %d)", self.ID, self.PreemptionLevel)
	}

	self.Lock.Lock()
	self.Continuation = cont
	self.Parameter = param
	self.Reason = reason
	p.astOff(thread.ASTScheduling)

	for {
		next := s.threadSelect(p, self, reason)
		if next == self {
			self.Continuation, self.Parameter = nil, nil
			self.Reason = thread.ASTNone
			wr := self.WaitResult
			self.Lock.Unlock()
			s.finishShutdown(p)
			if cont != nil {
				cont(param, wr)
			}
			return wr
		}
		self.Lock.Unlock()
		if s.threadInvoke(p, self, next, reason) {
			break
		}
		self.Lock.Lock()
	}

	s.finishShutdown(p)
	self.Lock.Lock()
	wr := self.WaitResult
	self.Lock.Unlock()
	return wr
}

// Block gives up p after the thread on core asserted a wait.
func (s *Scheduler) Block(p *Processor, cont thread.Continuation) thread.WaitResult {
	return s.BlockReason(p, cont, nil, thread.ASTNone)
}

// Yield gives up p to any thread of equal or higher priority.
func (s *Scheduler) Yield(p *Processor) {
	s.BlockReason(p, nil, nil, thread.ASTYield)
}

// Run hands p directly to next, which must be queued and allowed on p. The
// remaining quantum of the thread on core is donated to next. When next
// cannot be taken, Run falls back to an ordinary block.
func (s *Scheduler) Run(p *Processor, cont thread.Continuation, param any, next *thread.Thread) thread.WaitResult {
	self := p.ActiveThread
	if self.PreemptionLevel > 0 {
		debug.Panicf("sched: thread %d hands off with preemption disabled", self.ID)
	}
	if next == nil || next == self || next.IsIdleThread {
		return s.BlockReason(p, cont, param, thread.ASTHandoff)
	}

	next.Lock.Lock()
	ok := next.State.Runnable() && (!next.IsBound() || next.BoundProcessor == p.ID) &&
		next.Queued() && s.RunQueueRemove(next)
	next.Lock.Unlock()
	if !ok {
		return s.BlockReason(p, cont, param, thread.ASTHandoff)
	}

	self.Lock.Lock()
	self.Continuation = cont
	self.Parameter = param
	self.Reason = thread.ASTHandoff
	self.Lock.Unlock()
	p.astOff(thread.ASTScheduling)

	ps := p.Pset
	ps.Lock.Lock()
	clearPendingAST(p)
	s.markRunning(p)
	ps.Lock.Unlock()

	if !s.threadInvoke(p, self, next, thread.ASTHandoff) {
		self.Lock.Lock()
		self.Continuation, self.Parameter = nil, nil
		self.Lock.Unlock()
		return s.BlockReason(p, cont, param, thread.ASTHandoff)
	}
	s.finishShutdown(p)
	return thread.WaitAwakened
}

// Terminate ends the thread on p. It never runs again.
func (s *Scheduler) Terminate(p *Processor) {
	self := p.ActiveThread
	self.Lock.Lock()
	self.State |= thread.StateTerminate
	self.Lock.Unlock()
	s.BlockReason(p, nil, nil, thread.ASTNone)
}

// AssertWait marks t as about to wait. t blocks at its next BlockReason and
// stays off every run queue until Wakeup.
func (s *Scheduler) AssertWait(t *thread.Thread, interruptible bool) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	t.State |= thread.StateWait
	if !interruptible {
		t.State |= thread.StateUninterruptible
	}
	t.WaitResult = thread.WaitNotWaiting
}

// Wakeup ends the wait of t with result wr. A thread still on core only
// drops its wait; any other is made runnable and placed. It reports whether
// t was waiting.
func (s *Scheduler) Wakeup(self *Processor, t *thread.Thread, wr thread.WaitResult) bool {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return s.unblockLocked(self, t, wr)
}

// WakeupInterruptible ends an interruptible wait only.
func (s *Scheduler) WakeupInterruptible(self *Processor, t *thread.Thread, wr thread.WaitResult) bool {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	if t.State&thread.StateUninterruptible != 0 {
		return false
	}
	return s.unblockLocked(self, t, wr)
}

func (s *Scheduler) unblockLocked(self *Processor, t *thread.Thread, wr thread.WaitResult) bool {
	if t.State&thread.StateWait == 0 {
		return false
	}
	t.WaitResult = wr
	t.State &^= thread.StateWait | thread.StateUninterruptible
	if t.State&thread.StateRun != 0 {
		return true
	}

	now := s.clock.Now()
	t.State |= thread.StateRun
	s.Engine.RunIncr(t)
	t.LastMadeRunnableTime = now
	if t.Mode == thread.ModeRealtime {
		t.RT.Deadline = now + t.RT.Constraint
	}
	t.QuantumRemaining = 0
	t.ComputationMetered = 0
	t.Reason = thread.ASTNone
	s.setrun(self, t, thread.OptPreempt|thread.OptTailQ)
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INTERRUPTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Interrupt is the handler p runs when an IPI arrives: an idle processor
// looks for work, a busy one re-evaluates and takes any preemption.
func (s *Scheduler) Interrupt(p *Processor) {
	switch p.State {
	case ProcOffLine, ProcStart, ProcPendingOffline:
		return
	}
	if p.ActiveThread.IsIdleThread {
		s.idleExit(p)
		return
	}
	s.ASTCheck(p)
	s.ASTTaken(p)
}

// idleExit moves p out of idle and dispatches whatever is waiting for it.
func (s *Scheduler) idleExit(p *Processor) {
	ps := p.Pset
	ps.Lock.Lock()
	clearPendingAST(p)
	if p.State == ProcIdle {
		ps.setState(p, ProcDispatching)
	}
	ps.Lock.Unlock()
	s.tracer.Trace(machine.EvIdle, p.ID, 0, 0, 0, 0)

	s.considerMaintenance(p, s.clock.Now())
	s.BlockReason(p, nil, nil, thread.ASTNone)
}

// finishShutdown completes a shutdown once p has nothing but its idle
// thread on core.
func (s *Scheduler) finishShutdown(p *Processor) {
	ps := p.Pset
	ps.Lock.Lock()
	if p.State != ProcShutdown || !p.ActiveThread.IsIdleThread {
		ps.Lock.Unlock()
		return
	}
	ps.setState(p, ProcOffLine)
	clearPendingAST(p)
	ps.updateRTStealable()
	ps.Lock.Unlock()

	p.astOff(thread.ASTScheduling | thread.ASTRebalance)
	p.timer.Cancel()
	s.tracer.Trace(machine.EvPower, p.ID, 0, 0, 0, 0)
	if err := s.platform.ShutdownProcessor(p.ID); err != nil {
		debug.DropError("shutdown", err)
	}
}
