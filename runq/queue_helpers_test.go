package runq

import "testing"

// expectCount fails the test if the queue size differs from want.
func expectCount(t *testing.T, q *Queue, want int) {
	t.Helper()
	if q.Count() != want {
		t.Fatalf("Count() = %d, want %d", q.Count(), want)
	}
}

// mustDequeue pops and fails the test if the queue is empty.
func mustDequeue(t *testing.T, q *Queue, opt Option) Handle {
	t.Helper()
	h, ok := q.Dequeue(opt)
	if !ok {
		t.Fatal("Dequeue on empty queue")
	}
	return h
}
