package sched

import (
	"schedcore/constants"
	"schedcore/machine"
	"schedcore/thread"
)

// ipiEvent is the reason a processor is signalled.
type ipiEvent uint8

const (
	ipiEventBoundThread ipiEvent = iota
	ipiEventPreempt
	ipiEventSMTRebalance
	ipiEventSpill
	ipiEventRebalance
	ipiEventRTPreempt
)

func (e ipiEvent) String() string {
	return [...]string{"bound_thread", "preempt", "smt_rebalance", "spill", "rebalance", "rt_preempt"}[e]
}

// ipiPolicy classifies a signal. Every event except a plain preemption is
// delivered at once; a plain preemption of an idle processor by a
// non-realtime thread may be batched.
func (s *Scheduler) ipiPolicy(dst *Processor, t *thread.Thread, dstIdle bool, event ipiEvent) machine.IPIType {
	switch event {
	case ipiEventSpill, ipiEventSMTRebalance, ipiEventRebalance, ipiEventBoundThread, ipiEventRTPreempt:
		if dstIdle {
			return machine.IPIIdle
		}
		return machine.IPIImmediate
	case ipiEventPreempt:
		if t != nil && t.SchedPri >= constants.BasePriRTQueues {
			if dstIdle {
				return machine.IPIIdle
			}
			return machine.IPIImmediate
		}
		if dstIdle {
			return s.ipiDeferredPolicy(dst, t)
		}
		return machine.IPIImmediate
	}
	return machine.IPINone
}

// ipiDeferredPolicy batches wakeups of idle processors unless the thread is
// urgent enough to need the processor now.
func (s *Scheduler) ipiDeferredPolicy(_ *Processor, t *thread.Thread) machine.IPIType {
	if t != nil && t.SchedPri >= constants.BasePriPreempt {
		return machine.IPIIdle
	}
	return machine.IPIDeferred
}

// ipiAction decides and records the signal for dst. The pending masks
// coalesce repeated signals until dst acknowledges them. dst's pset lock held.
func (s *Scheduler) ipiAction(dst *Processor, t *thread.Thread, event ipiEvent) machine.IPIType {
	ps := dst.Pset
	kind := s.ipiPolicy(dst, t, dst.State == ProcIdle, event)
	switch kind {
	case machine.IPINone:
		return machine.IPINone
	case machine.IPIDeferred:
		if !ps.pendingDeferred.SetBit(dst.ID) {
			return machine.IPINone
		}
	default:
		if event == ipiEventRTPreempt {
			ps.pendingASTUrgent.SetBit(dst.ID)
		}
		if !ps.pendingASTPreempt.SetBit(dst.ID) {
			return machine.IPINone
		}
	}
	return kind
}

// ipiPerform delivers a signal chosen by ipiAction. Called without locks.
func (s *Scheduler) ipiPerform(dst *Processor, kind machine.IPIType, event ipiEvent) {
	if kind == machine.IPINone || dst == nil {
		return
	}
	s.tracer.Trace(machine.EvIPI, dst.ID, uint64(kind), uint64(event), 0, 0)
	s.obs.IPI(dst.ID, kind, event.String())
	s.platform.SendIPI(dst.ID, kind)
}

// clearPendingAST acknowledges every pending signal for p.
func clearPendingAST(p *Processor) {
	ps := p.Pset
	ps.pendingASTUrgent.ClearBit(p.ID)
	ps.pendingASTPreempt.ClearBit(p.ID)
	ps.pendingDeferred.ClearBit(p.ID)
}
