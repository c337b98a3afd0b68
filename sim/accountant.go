package sim

import (
	"sync"

	"schedcore/thread"
)

// task is the workload state of one simulated thread.
type task struct {
	th    *thread.Thread
	class int

	burst int64 // ns per activation, -1 when the thread never blocks
	sleep int64
	rt    bool
	rtp   thread.RTParams

	remaining   int64
	onCPU       int
	since       int64
	gen         uint64
	activatedAt int64
	wokeAt      int64
	waiting     bool

	activations uint64
	completed   uint64
	misses      uint64
	latencySum  int64
	latencyMax  int64
	latencyN    uint64
}

// accountant follows what every simulated thread is doing: how much of its
// burst is left, where it runs, and how long it waited. Both drivers share
// it; the live driver calls it from several goroutines.
type accountant struct {
	mu        sync.Mutex
	tasks     map[thread.ID]*task
	order     []*task // creation order
	idleNs    []int64
	idleSince []int64
}

func newAccountant(cpus int) *accountant {
	a := &accountant{
		tasks:     make(map[thread.ID]*task),
		idleNs:    make([]int64, cpus),
		idleSince: make([]int64, cpus),
	}
	return a
}

func (a *accountant) add(t *task) {
	a.mu.Lock()
	a.tasks[t.th.ID] = t
	a.order = append(a.order, t)
	t.onCPU = -1
	a.mu.Unlock()
}

// burstEnd tells the driver when the thread dispatched on cpu finishes its
// burst.
type burstEnd struct {
	cpu int
	tid thread.ID
	gen uint64
	at  int64
}

// switched records a context switch on cpu at now and returns the burst
// end of next, if it has a finite one.
func (a *accountant) switched(cpu int, old, next *thread.Thread, now int64) (burstEnd, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old != nil {
		if old.IsIdleThread {
			a.idleNs[cpu] += now - a.idleSince[cpu]
		} else if t := a.tasks[old.ID]; t != nil && t.onCPU == cpu {
			if t.remaining >= 0 {
				t.remaining = max(t.remaining-(now-t.since), 0)
			}
			t.onCPU = -1
			t.gen++
		}
	}

	if next == nil {
		return burstEnd{}, false
	}
	if next.IsIdleThread {
		a.idleSince[cpu] = now
		return burstEnd{}, false
	}
	t := a.tasks[next.ID]
	if t == nil {
		return burstEnd{}, false
	}
	if t.waiting {
		lat := now - t.wokeAt
		t.latencySum += lat
		t.latencyMax = max(t.latencyMax, lat)
		t.latencyN++
		t.waiting = false
	}
	t.onCPU = cpu
	t.since = now
	t.gen++
	if t.remaining < 0 {
		return burstEnd{}, false
	}
	return burstEnd{cpu: cpu, tid: next.ID, gen: t.gen, at: now + t.remaining}, true
}

// finish validates a burst end and returns the thread with the time it
// next wakes.
func (a *accountant) finish(be burstEnd, now int64) (*task, int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.tasks[be.tid]
	if t == nil || t.gen != be.gen || t.onCPU != be.cpu {
		return nil, 0, false
	}
	t.remaining = 0
	t.completed++
	if t.rt {
		if now > t.activatedAt+t.rtp.Constraint {
			t.misses++
		}
		next := t.activatedAt + t.rtp.Period
		return t, max(next, now), true
	}
	return t, now + t.sleep, true
}

// woke starts a new activation of tid.
func (a *accountant) woke(tid thread.ID, now int64) *task {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.tasks[tid]
	if t == nil {
		return nil
	}
	t.remaining = t.burst
	t.activatedAt = now
	t.wokeAt = now
	t.waiting = true
	t.activations++
	return t
}

// closeIdle folds the idle periods still open at end into the totals.
func (a *accountant) closeIdle(idle func(cpu int) bool, end int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for cpu := range a.idleNs {
		if idle(cpu) {
			a.idleNs[cpu] += end - a.idleSince[cpu]
			a.idleSince[cpu] = end
		}
	}
}
