// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ CONTEXT SWITCH
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: thread_invoke and thread_dispatch
//
// Description:
//   threadInvoke switches a processor from the thread on core to the one threadSelect chose.
//   threadDispatch then settles the old thread (billing, remaining quantum, requeue, wait or
//   termination) and starts the new thread's quantum.
//
// Billing:
//   The segment billed at a switch is exactly now - quantumStart, the same boundary quantum
//   expiry moves, so wall time on core is billed once.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"schedcore/constants"
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/thread"
)

// threadInvoke switches p from self to next. It returns false when next has
// no kernel stack and none could be found; next is then parked on the stack
// queue and the caller selects again. self is unlocked.
func (s *Scheduler) threadInvoke(p *Processor, self, next *thread.Thread, reason thread.AST) bool {
	if self.PreemptionLevel > 0 {
		debug.Panicf("sched: invoke with preemption disabled (level %d) on cpu %d", self.PreemptionLevel, p.ID)
	}

	next.Lock.Lock()
	handoff := false
	if !next.KernelStack {
		switch {
		case self.Continuation != nil && self.KernelStack && !self.IsIdleThread:
			// self resumes through its continuation and no longer needs its stack.
			self.KernelStack = false
			next.KernelStack = true
			handoff = true
		case s.stackAlloc():
			next.KernelStack = true
		default:
			next.Flags |= thread.FlagWaitingForStack
			next.Lock.Unlock()
			s.stackEnqueue(next)
			return false
		}
	}

	ps := p.Pset
	ps.Lock.Lock()
	p.ActiveThread = next
	if next.IsIdleThread {
		p.updateIdle()
	} else {
		p.updateFromThread(next)
	}
	ps.Lock.Unlock()

	now := s.clock.Now()
	if now < p.LastDispatch {
		debug.Panicf("sched: clock went backwards on cpu %d (%d < %d)", p.ID, now, p.LastDispatch)
	}
	next.LastProcessor = p.ID
	next.ContextSwitches++
	next.ComputationEpoch = now
	next.LastRunTime = now
	cont, param, wr := next.Continuation, next.Parameter, next.WaitResult
	next.Continuation, next.Parameter = nil, nil
	nextID, nextPri := next.ID, next.SchedPri
	next.Lock.Unlock()

	p.LastDispatch = now
	p.ContextSwitches++
	if handoff {
		p.StackHandoffs++
	}
	s.obs.ContextSwitch(p.ID)
	s.tracer.Trace(machine.EvSwitch, p.ID, uint64(self.ID), uint64(nextID), uint64(reason), uint64(nextPri))
	s.platform.SwitchContext(p.ID, self, next)

	s.threadDispatch(p, self, next, now)
	s.serviceStackQueue(p)

	if cont != nil {
		cont(param, wr)
	}
	return true
}

// threadDispatch settles old after p switched to next at now. No locks held.
func (s *Scheduler) threadDispatch(p *Processor, old, next *thread.Thread, now int64) {
	d := s.tu.D()
	if !old.IsIdleThread {
		old.Lock.Lock()
		if ran := now - p.quantumStart; ran > 0 {
			s.ledger.Bill(old, ran)
			old.TotalRunTime += ran
		}
		s.Engine.AccountRun(old, now-p.lastAccount)

		if p.FirstTimeslice && p.QuantumEnd > now {
			old.QuantumRemaining = p.QuantumEnd - now
		} else {
			old.QuantumRemaining = 0
		}
		if old.Mode == thread.ModeRealtime {
			if old.QuantumRemaining == 0 {
				old.RT.Deadline = constants.RTDeadlineQuantumExpired
			}
		} else if old.QuantumRemaining < d.MinStdQuantum {
			// Too little left to be worth running: expire it now and fold
			// the scrap into the next quantum.
			old.Reason |= thread.ASTQuantum
			old.QuantumRemaining += s.initialQuantum(old)
		}
		if old.Reason&(thread.ASTHandoff|thread.ASTQuantum) == thread.ASTHandoff && !next.IsIdleThread {
			next.Lock.Lock()
			next.QuantumRemaining = old.QuantumRemaining
			next.Lock.Unlock()
			old.Reason |= thread.ASTQuantum
			old.QuantumRemaining = 0
		}
		old.ComputationMetered += now - old.ComputationEpoch

		switch {
		case old.State&thread.StateTerminate != 0:
			old.State = old.State&^thread.StateRun | thread.StateTerminate2
			s.Engine.RunDecr(old)
			s.stackFree(old)

		case old.State.Runnable():
			var opts thread.Options
			switch {
			case old.Reason&thread.ASTYield != 0:
				opts = thread.OptTailQ
				old.ComputationMetered = 0
			case old.Reason&thread.ASTQuantum != 0:
				opts = thread.OptTailQ
			case old.Reason&thread.ASTPreempt != 0:
				opts = thread.OptHeadQ
			default:
				opts = thread.OptPreempt | thread.OptTailQ
			}
			old.LastMadeRunnableTime = now
			s.setrun(p, old, opts)

		default:
			old.State &^= thread.StateRun
			s.Engine.RunDecr(old)
			old.ComputationMetered = 0
			old.LastBlockTime = now
			if old.Continuation != nil {
				s.stackFree(old)
			}
		}
		old.Reason = thread.ASTNone
		old.Lock.Unlock()
	}

	if next.IsIdleThread {
		p.timer.Cancel()
		p.FirstTimeslice = false
		p.quantumStart = now
		s.platform.UrgencyChanged(p.ID, 0, 0, 0)
	} else {
		next.Lock.Lock()
		if next.QuantumRemaining == 0 {
			next.QuantumRemaining = s.initialQuantum(next)
		}
		p.QuantumEnd = now + next.QuantumRemaining
		p.quantumStart = now
		p.FirstTimeslice = true
		p.timer.Enter(p.QuantumEnd)
		s.reportUrgency(p, next)
		next.Lock.Unlock()
	}
	p.lastAccount = now
}
