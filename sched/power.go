// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ CORE RECOMMENDATION & POWER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Mechanism half of the core power controller
//
// Description:
//   Applies recommendation and power targets to processors. A recommended processor may take
//   unbound work; an online one is powered. Targets come from the performance controller
//   (UpdateRecommendedCores), the power controller (SetPowerRecommended, UpdatePoweredCores)
//   and the sleep and failsafe overrides.
//
// Invariants:
//   - At least one online processor is always recommended.
//   - Recommendation walks grant every pset before revoking any.
//   - Power changes start cores before marking temporary-down and clear temporary-down
//     only after shutdowns, so the reported active count never dips to zero.
//
// Locking:
//   powerLock → applyLock → pset lock. availLock is a leaf.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package sched

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"schedcore/cpumap"
	"schedcore/debug"
	"schedcore/machine"
	"schedcore/rtqueue"
	"schedcore/runq"
	"schedcore/thread"
)

// ErrNoOnlineCores is returned when a power request leaves nothing online.
var ErrNoOnlineCores = errors.New("no processor would remain online")

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RECOMMENDATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// UpdateRecommendedCores installs the performance controller's request.
func (s *Scheduler) UpdateRecommendedCores(requested cpumap.Map) {
	s.availLock.Lock()
	s.perfRecommended = requested & s.allCPUs()
	s.availLock.Unlock()
	s.reapply()
}

// SetPowerRecommended installs the power controller's recommendation.
func (s *Scheduler) SetPowerRecommended(m cpumap.Map) {
	s.availLock.Lock()
	s.powerRecommended = m & s.allCPUs()
	s.availLock.Unlock()
	s.reapply()
}

// Sleep recommends every core for the duration of a system sleep.
func (s *Scheduler) Sleep() {
	s.availLock.Lock()
	s.sleeping = true
	s.availLock.Unlock()
	s.reapply()
}

// Wake ends a Sleep.
func (s *Scheduler) Wake() {
	s.availLock.Lock()
	s.sleeping = false
	s.availLock.Unlock()
	s.reapply()
}

// FailsafeActive reports whether the recommendation failsafe is in force.
func (s *Scheduler) FailsafeActive() bool {
	s.availLock.Lock()
	defer s.availLock.Unlock()
	return s.failsafeActive
}

func (s *Scheduler) allCPUs() cpumap.Map { return cpumap.Range(len(s.processors)) }

// targetRecommendedLocked computes the recommended set, forcing a last
// resort processor when nothing online would be recommended. availLock held.
func (s *Scheduler) targetRecommendedLocked() cpumap.Map {
	target := s.perfRecommended & s.powerRecommended
	if s.failsafeActive || s.sleeping {
		target = s.allCPUs()
	}
	if (target & s.online).Empty() {
		lr := s.online.First()
		if lr < 0 {
			lr = s.master.ID
		}
		target = target.Set(lr)
		debug.DropFields("recommend", "no online core recommended; forcing last resort", logrus.Fields{
			"perf":   s.perfRecommended.String(),
			"power":  s.powerRecommended.String(),
			"online": s.online.String(),
			"cpu":    lr,
		})
	}
	return target
}

// reapply recomputes the target and applies it.
func (s *Scheduler) reapply() {
	s.applyLock.Lock()
	defer s.applyLock.Unlock()
	s.availLock.Lock()
	target := s.targetRecommendedLocked()
	s.availLock.Unlock()
	s.applyRecommended(target)
}

type pendingIPI struct {
	p     *Processor
	kind  machine.IPIType
	event ipiEvent
}

func (s *Scheduler) sendAll(ipis []pendingIPI) {
	for _, i := range ipis {
		s.ipiPerform(i.p, i.kind, i.event)
	}
}

// applyRecommended walks every pset twice: grants first, waking idle
// processors that gained work eligibility, then revokes, draining the
// queues of processors that lost it. applyLock held.
func (s *Scheduler) applyRecommended(target cpumap.Map) {
	if s.recommended.Load() == target {
		return
	}
	s.recommended.Store(target)

	for _, ps := range s.psets {
		var ipis []pendingIPI
		ps.Lock.Lock()
		for _, p := range ps.Processors {
			if !target.Has(p.ID) || p.IsRecommended {
				continue
			}
			p.IsRecommended = true
			ps.recommended = ps.recommended.Set(p.ID)
			if p.State == ProcIdle {
				if kind := s.ipiAction(p, nil, ipiEventRebalance); kind != machine.IPINone {
					ipis = append(ipis, pendingIPI{p, kind, ipiEventRebalance})
				}
			}
		}
		ps.updateRTStealable()
		ps.Lock.Unlock()
		s.sendAll(ipis)
	}

	for _, ps := range s.psets {
		var ipis []pendingIPI
		var drained []*thread.Thread
		ps.Lock.Lock()
		for _, p := range ps.Processors {
			if target.Has(p.ID) || !p.IsRecommended {
				continue
			}
			p.IsRecommended = false
			ps.recommended = ps.recommended.Clear(p.ID)
			drained = s.processorQueueShutdown(p, drained)
			if p.State == ProcRunning || p.State == ProcDispatching {
				if kind := s.ipiAction(p, nil, ipiEventRebalance); kind != machine.IPINone {
					ipis = append(ipis, pendingIPI{p, kind, ipiEventRebalance})
				}
			}
		}
		if ps.availableMap().Empty() {
			drained = s.rtQueueShutdown(ps, drained)
		}
		ps.updateRTStealable()
		ps.Lock.Unlock()
		s.sendAll(ipis)
		s.resetrun(nil, drained)
	}

	s.obs.RecommendedCores(target.Count())
	s.tracer.Trace(machine.EvRecommend, s.master.ID, uint64(target), 0, 0, 0)
}

// processorQueueShutdown removes every unbound thread from p's run queue.
// Bound threads wait for p. pset lock held.
func (s *Scheduler) processorQueueShutdown(p *Processor, drained []*thread.Thread) []*thread.Thread {
	var unbound []*thread.Thread
	p.Runq.Each(func(h runq.Handle, _ int) bool {
		if t := s.threadOf(uint32(h)); !t.IsBound() {
			unbound = append(unbound, t)
		}
		return true
	})
	for _, t := range unbound {
		p.Runq.Remove(runqHandle(t))
		t.SetRunq(thread.NoProcessor)
	}
	return append(drained, unbound...)
}

// rtQueueShutdown empties the realtime queue of a pset that has nowhere
// left to run it. pset lock held.
func (s *Scheduler) rtQueueShutdown(ps *ProcessorSet, drained []*thread.Thread) []*thread.Thread {
	ps.RT.Drain(func(e rtqueue.Entry) {
		t := s.threadOf(uint32(e.H))
		t.SetRTQueue(thread.NoProcessor)
		drained = append(drained, t)
	})
	return drained
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// POWER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ReportedActive returns the number of processors reported as active:
// online ones plus those temporarily down.
func (s *Scheduler) ReportedActive() int {
	s.availLock.Lock()
	defer s.availLock.Unlock()
	return (s.online | s.tempDown).Count()
}

// TempDown returns the processors that are down temporarily.
func (s *Scheduler) TempDown() cpumap.Map {
	s.availLock.Lock()
	defer s.availLock.Unlock()
	return s.tempDown
}

// UpdatePoweredCores brings the powered set to online, with tempDown marking
// offline processors expected back soon. Newly online processors start in
// parallel; newly offline ones are shut down after recommendations move off
// them. It must be called from the context that drives the processors,
// since a busy processor being shut down is preempted synchronously.
func (s *Scheduler) UpdatePoweredCores(online, tempDown cpumap.Map) error {
	online &= s.allCPUs()
	tempDown = tempDown & s.allCPUs() &^ online
	if online.Empty() {
		return errors.WithHint(ErrNoOnlineCores, "keep at least one processor in the online mask")
	}

	s.powerLock.Lock()
	defer s.powerLock.Unlock()
	s.assertNoTransition(true)

	s.availLock.Lock()
	old := s.online
	s.availLock.Unlock()
	starting := online &^ old
	stopping := old &^ online

	failed, err := s.startProcessors(starting)
	online &^= failed
	if online.Empty() {
		// Nothing new came up. Stay on the old processors rather than stop
		// the last ones available.
		online, stopping = old, cpumap.None
		tempDown &^= online
		err = errors.WithHint(err, "the previous online processors were kept")
	}

	s.availLock.Lock()
	s.tempDown |= tempDown
	s.online = online
	s.availLock.Unlock()
	s.reapply()

	stopping.Each(func(id int) bool {
		s.shutdownProcessor(s.processors[id])
		return true
	})

	s.availLock.Lock()
	s.tempDown = tempDown
	s.availLock.Unlock()

	s.assertNoTransition(false)
	s.tracer.Trace(machine.EvPower, s.master.ID, uint64(online), uint64(tempDown), uint64(failed), 0)
	debug.NoteFields("power", "powered cores updated", logrus.Fields{
		"online":   online.String(),
		"tempdown": tempDown.String(),
		"started":  (starting &^ failed).String(),
		"stopped":  stopping.String(),
	})
	return err
}

// startProcessors starts every processor in ids in parallel and waits for
// all of them. It returns the ones that failed.
func (s *Scheduler) startProcessors(ids cpumap.Map) (cpumap.Map, error) {
	if ids.Empty() {
		return cpumap.None, nil
	}
	ids.Each(func(id int) bool {
		p := s.processors[id]
		p.Pset.Lock.Lock()
		p.Pset.setState(p, ProcStart)
		p.Pset.Lock.Unlock()
		return true
	})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed cpumap.Map
		errs   error
	)
	ids.Each(func(id int) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.platform.StartProcessor(id); err != nil {
				mu.Lock()
				failed = failed.Set(id)
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "start cpu %d", id))
				mu.Unlock()
			}
		}()
		return true
	})
	wg.Wait()

	now := s.clock.Now()
	ids.Each(func(id int) bool {
		p := s.processors[id]
		ps := p.Pset
		ps.Lock.Lock()
		if failed.Has(id) {
			ps.setState(p, ProcOffLine)
		} else {
			ps.setState(p, ProcPendingOffline)
			p.ActiveThread = p.IdleThread
			p.updateIdle()
			p.LastDispatch = now
			p.lastAccount = now
			p.quantumStart = now
			p.FirstTimeslice = false
			ps.setState(p, ProcIdle)
			ps.updateRTStealable()
		}
		ps.Lock.Unlock()
		return true
	})
	return failed, errs
}

// shutdownProcessor takes p offline: its queue moves elsewhere and the
// thread on it is preempted. Taking down the last available processor is
// a contract violation.
func (s *Scheduler) shutdownProcessor(p *Processor) {
	others := 0
	for _, ps := range s.psets {
		ps.Lock.Lock()
		others += ps.availableMap().Clear(p.ID).Count()
		ps.Lock.Unlock()
	}

	ps := p.Pset
	ps.Lock.Lock()
	if p.State == ProcOffLine || p.State == ProcShutdown {
		ps.Lock.Unlock()
		return
	}
	if others == 0 {
		ps.Lock.Unlock()
		debug.Panicf("sched: shutdown of cpu %d would leave no available processor", p.ID)
	}
	ps.setState(p, ProcShutdown)
	drained := s.processorQueueShutdown(p, nil)
	if ps.availableMap().Empty() {
		drained = s.rtQueueShutdown(ps, drained)
	}
	ps.updateRTStealable()
	busy := !p.ActiveThread.IsIdleThread
	ps.Lock.Unlock()

	s.resetrun(nil, drained)
	if busy {
		p.astOn(thread.ASTPreempt | thread.ASTUrgent)
		s.ASTTaken(p)
		return
	}
	s.finishShutdown(p)
}

// assertNoTransition panics if a processor is starting. Before a change
// no processor may be shutting down either; afterwards one may still be,
// when the thread on it has preemption disabled.
func (s *Scheduler) assertNoTransition(before bool) {
	for _, ps := range s.psets {
		ps.Lock.Lock()
		busy := ps.stateMap[ProcStart] | ps.stateMap[ProcPendingOffline]
		if before {
			busy |= ps.stateMap[ProcShutdown]
		}
		ps.Lock.Unlock()
		if !busy.Empty() {
			debug.Panicf("sched: processors %s are mid-transition", busy)
		}
	}
}
