package priority

import (
	"testing"

	"schedcore/machine"
	"schedcore/thread"
	"schedcore/tunables"
)

type fakeRequeuer struct {
	queued     map[thread.ID]bool
	reinserted int
	changed    int
}

func (f *fakeRequeuer) RunQueueRemove(t *thread.Thread) bool {
	if !f.queued[t.ID] {
		return false
	}
	delete(f.queued, t.ID)
	t.SetRunq(thread.NoProcessor)
	return true
}

func (f *fakeRequeuer) RunQueueReinsert(t *thread.Thread, _ thread.Options) {
	f.queued[t.ID] = true
	t.SetRunq(0)
	f.reinserted++
}

func (f *fakeRequeuer) PriorityChanged(*thread.Thread, int, SetPriOptions) { f.changed++ }

type fixture struct {
	e     *Engine
	clock *machine.ManualClock
	rq    *fakeRequeuer
	tb    *thread.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &machine.ManualClock{}
	e := New(tunables.Defaults(), clock, nil)
	rq := &fakeRequeuer{queued: map[thread.ID]bool{}}
	e.SetRequeuer(rq)
	return &fixture{e: e, clock: clock, rq: rq, tb: thread.NewTable()}
}

// newThread creates a runnable thread in mode at base priority pri.
func (f *fixture) newThread(t *testing.T, mode thread.Mode, pri int) *thread.Thread {
	t.Helper()
	th := f.tb.CreateAt("t", pri)
	f.e.SetThreadMode(th, mode)
	f.e.SetPolicyPriority(th, pri)
	th.State = thread.StateRun
	if th.SchedPri != pri && mode != thread.ModeRealtime {
		t.Fatalf("new thread sched pri = %d, want %d", th.SchedPri, pri)
	}
	return th
}

// enqueue marks th as sitting on a run queue.
func (f *fixture) enqueue(th *thread.Thread) {
	f.rq.queued[th.ID] = true
	th.SetRunq(0)
}
