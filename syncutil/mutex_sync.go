// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: mutex_sync.go — Scheduler lock type (default build)
//
// Purpose:
//   - Mutex guards thread records and processor sets.
//   - AssertHeld lets lock-requiring helpers enforce their precondition.
//
// Notes:
//   - Lock order is thread lock, then pset lock. Never the reverse.
//   - Build with `-tags deadlock` to swap in a lock-order checking mutex.
// ─────────────────────────────────────────────────────────────────────────────

//go:build !deadlock

package syncutil

import "sync"

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = false

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	sync.Mutex
}

// AssertHeld panics if the mutex is not locked by anyone. It does not check
// which goroutine holds it.
func (m *Mutex) AssertHeld() {
	if m.TryLock() {
		m.Unlock()
		panic("syncutil: mutex not held")
	}
}
