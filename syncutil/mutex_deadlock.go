// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: mutex_deadlock.go — Scheduler lock type (deadlock build)
//
// Purpose:
//   - Same API as the default build, backed by go-deadlock so lock-order
//     inversions between thread and pset locks are reported.
// ─────────────────────────────────────────────────────────────────────────────

//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = true

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	deadlock.Mutex
}

// AssertHeld is a no-op under the deadlock detector.
func (m *Mutex) AssertHeld() {}
