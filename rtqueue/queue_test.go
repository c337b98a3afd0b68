package rtqueue

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"

	"schedcore/constants"
)

const ms = int64(constants.NsPerMs)

func newDebugQueue() *Queue {
	q := New()
	q.Debug = true
	return q
}

// An earlier deadline wins inside one priority regardless of arrival order.
func TestEarlierDeadlineFirstScenario(t *testing.T) {
	q := newDebugQueue()
	pri := constants.BasePriRTQueues + 3
	// constraint 10ms enqueued at t=0.
	require.True(t, q.Enqueue(Entry{H: 1, Pri: pri, Deadline: 10 * ms, Constraint: 10 * ms, Computation: ms}))
	// constraint 5ms enqueued at t=1ms.
	require.True(t, q.Enqueue(Entry{H: 2, Pri: pri, Deadline: 6 * ms, Constraint: 5 * ms, Computation: ms}))
	require.Equal(t, 6*ms, q.EarliestDeadline())
	e, ok := q.Dequeue(Policy{})
	require.True(t, ok)
	require.Equal(t, Handle(2), e.H)
	require.Equal(t, 10*ms, q.EarliestDeadline())
}

func TestEqualDeadlinesKeepInsertionOrder(t *testing.T) {
	q := newDebugQueue()
	pri := constants.MaxPri
	require.True(t, q.Enqueue(Entry{H: 1, Pri: pri, Deadline: 5}))
	require.False(t, q.Enqueue(Entry{H: 2, Pri: pri, Deadline: 5}))
	e, _ := q.Dequeue(Policy{})
	require.Equal(t, Handle(1), e.H)
}

func TestDeadlineSafetySwap(t *testing.T) {
	hiPri := constants.BasePriRTQueues + 10
	loPri := constants.BasePriRTQueues + 1
	build := func(hiConstraint int64) *Queue {
		q := newDebugQueue()
		q.Enqueue(Entry{H: 1, Pri: hiPri, Deadline: 50 * ms, Constraint: hiConstraint, Computation: 2 * ms})
		q.Enqueue(Entry{H: 2, Pri: loPri, Deadline: 10 * ms, Constraint: 10 * ms, Computation: 3 * ms})
		require.Equal(t, loPri, q.EDPriority())
		return q
	}
	pol := Policy{Epsilon: constants.DefaultRTDeadlineEpsilonUs * constants.NsPerUs}

	// 3ms + 2ms + 0.1ms < 20ms: the earlier deadline is admitted first.
	e, _ := build(20*ms).Dequeue(pol)
	require.Equal(t, Handle(2), e.H)

	// 3ms + 2ms + 0.1ms is not below 5.1ms: strict comparison keeps priority.
	e, _ = build(5*ms+100*constants.NsPerUs).Dequeue(pol)
	require.Equal(t, Handle(1), e.H)

	// Strict mode ignores deadlines across priorities.
	e, _ = build(20*ms).Dequeue(Policy{Strict: true, Epsilon: pol.Epsilon})
	require.Equal(t, Handle(1), e.H)
}

func TestRemoveRescansAggregate(t *testing.T) {
	q := newDebugQueue()
	q.Enqueue(Entry{H: 1, Pri: 100, Deadline: 30})
	q.Enqueue(Entry{H: 2, Pri: 110, Deadline: 20})
	q.Enqueue(Entry{H: 3, Pri: 110, Deadline: 40})
	require.Equal(t, int64(20), q.EarliestDeadline())
	require.Equal(t, 110, q.Priority())
	e, ok := q.Remove(2)
	require.True(t, ok)
	require.Equal(t, 110, e.Pri)
	require.Equal(t, int64(30), q.EarliestDeadline())
	require.Equal(t, 100, q.EDPriority())
	_, ok = q.Remove(2)
	require.False(t, ok)
	require.Equal(t, 2, q.Count())
}

func TestEqualDeadlineTieKeepsHigherPriority(t *testing.T) {
	q := newDebugQueue()
	q.Enqueue(Entry{H: 1, Pri: 100, Deadline: 30})
	q.Enqueue(Entry{H: 2, Pri: 120, Deadline: 30})
	require.Equal(t, 120, q.EDPriority())
}

func TestEnqueueOutsideBandPanics(t *testing.T) {
	q := New()
	require.Panics(t, func() { q.Enqueue(Entry{H: 1, Pri: constants.BasePriRealtime}) })
	q.Enqueue(Entry{H: 1, Pri: 100})
	require.Panics(t, func() { q.Enqueue(Entry{H: 1, Pri: 101}) })
}

// TestStressAggregate verifies the cached earliest deadline equals the
// minimum over queued deadlines after every mutation.
func TestStressAggregate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := newDebugQueue()
	live := map[Handle]int64{}
	for step := 0; step < 20000; step++ {
		h := Handle(rng.Intn(128))
		switch rng.Intn(3) {
		case 0:
			if _, ok := live[h]; ok {
				continue
			}
			d := int64(rng.Intn(1000))
			q.Enqueue(Entry{
				H:           h,
				Pri:         constants.BasePriRTQueues + rng.Intn(constants.NRTQS),
				Deadline:    d,
				Constraint:  int64(rng.Intn(500)),
				Computation: int64(rng.Intn(100)),
			})
			live[h] = d
		case 1:
			if e, ok := q.Dequeue(Policy{Epsilon: 10}); ok {
				delete(live, e.H)
			}
		case 2:
			if _, ok := q.Remove(h); ok {
				delete(live, h)
			}
		}
		want := constants.RTDeadlineNone
		for _, d := range live {
			if d < want {
				want = d
			}
		}
		if q.EarliestDeadline() != want {
			t.Fatalf("step %d: earliest = %d, want %d", step, q.EarliestDeadline(), want)
		}
	}
}

func render(q *Queue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "count=%d pri=%d ed=%d ed_pri=%d constraint=%d\n",
		q.Count(), q.Priority(), q.EarliestDeadline(), q.EDPriority(), q.Constraint())
	q.Each(func(e Entry) bool {
		fmt.Fprintf(&b, "  h=%d pri=%d deadline=%d\n", e.H, e.Pri, e.Deadline)
		return true
	})
	return b.String()
}

func TestDataDriven(t *testing.T) {
	var q *Queue
	var pol Policy
	datadriven.RunTest(t, "testdata/rtqueue", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "init":
			q = newDebugQueue()
			pol = Policy{}
			if d.HasArg("strict") {
				pol.Strict = true
			}
			if d.HasArg("epsilon") {
				var eps int
				d.ScanArgs(t, "epsilon", &eps)
				pol.Epsilon = int64(eps)
			}
			return render(q)
		case "enqueue":
			var h, pri, deadline, constraint, computation int
			d.ScanArgs(t, "h", &h)
			d.ScanArgs(t, "pri", &pri)
			d.ScanArgs(t, "deadline", &deadline)
			d.MaybeScanArgs(t, "constraint", &constraint)
			d.MaybeScanArgs(t, "computation", &computation)
			head := q.Enqueue(Entry{
				H: Handle(h), Pri: pri, Deadline: int64(deadline),
				Constraint: int64(constraint), Computation: int64(computation),
			})
			return fmt.Sprintf("head=%t\n", head) + render(q)
		case "dequeue":
			e, ok := q.Dequeue(pol)
			if !ok {
				return "empty\n"
			}
			return fmt.Sprintf("got h=%d\n", e.H) + render(q)
		case "remove":
			var h int
			d.ScanArgs(t, "h", &h)
			_, ok := q.Remove(Handle(h))
			return fmt.Sprintf("removed=%t\n", ok) + render(q)
		default:
			return fmt.Sprintf("unknown command %s", d.Cmd)
		}
	})
}
