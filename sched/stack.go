package sched

import (
	"schedcore/thread"
)

// stackAlloc takes a kernel stack from the pool.
func (s *Scheduler) stackAlloc() bool {
	s.stackLock.Lock()
	defer s.stackLock.Unlock()
	switch {
	case s.stacksFree < 0:
		return true
	case s.stacksFree > 0:
		s.stacksFree--
		return true
	}
	return false
}

// stackFree returns t's stack to the pool. Thread lock held.
func (s *Scheduler) stackFree(t *thread.Thread) {
	if !t.KernelStack || t.IsIdleThread {
		return
	}
	t.KernelStack = false
	s.stackLock.Lock()
	if s.stacksFree >= 0 {
		s.stacksFree++
	}
	s.stackLock.Unlock()
}

// stackEnqueue parks a runnable thread that could not get a stack.
func (s *Scheduler) stackEnqueue(t *thread.Thread) {
	s.stackLock.Lock()
	s.stackQueue = append(s.stackQueue, t)
	s.stackLock.Unlock()
}

// serviceStackQueue hands freed stacks to parked threads in arrival order
// and places them. No locks held.
func (s *Scheduler) serviceStackQueue(self *Processor) {
	for {
		s.stackLock.Lock()
		if len(s.stackQueue) == 0 || s.stacksFree == 0 {
			s.stackLock.Unlock()
			return
		}
		t := s.stackQueue[0]
		s.stackQueue[0] = nil
		s.stackQueue = s.stackQueue[1:]
		if s.stacksFree > 0 {
			s.stacksFree--
		}
		s.stackLock.Unlock()

		t.Lock.Lock()
		t.Flags &^= thread.FlagWaitingForStack
		t.KernelStack = true
		if t.State.Runnable() && !t.Queued() {
			s.setrun(self, t, thread.OptTailQ)
		}
		t.Lock.Unlock()
	}
}

// StacksFree returns the number of unallocated stacks, or -1 when unlimited.
func (s *Scheduler) StacksFree() int {
	s.stackLock.Lock()
	defer s.stackLock.Unlock()
	return s.stacksFree
}

// StackWaiters returns the number of threads parked for a stack.
func (s *Scheduler) StackWaiters() int {
	s.stackLock.Lock()
	defer s.stackLock.Unlock()
	return len(s.stackQueue)
}
