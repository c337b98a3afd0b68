// control.go — Run/stop and activity flags shared by a group of processor runners
// ============================================================================
// RUNNER GROUP COORDINATION
// ============================================================================
//
// A Group is shared by every runner goroutine of one live machine. It carries
// the stop flag that ends them and the hot flag that keeps them spinning on
// their mailboxes instead of parking.
//
// Threading model:
//   • Anything that posts work (IPIs, timers, wakeups) calls SignalActivity
//   • Runners poll Stopped and Hot between mailbox checks
//   • PollCooldown drops the hot flag once the group has been quiet for the
//     cooldown period
//
// Safety guarantees:
//   • Every flag is an atomic; readers never take a lock
//   • Shutdown is sticky

package control

import (
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long a group stays hot after its last activity.
const DefaultCooldown = time.Second

// Group is the flag set of one runner group.
type Group struct {
	hot      atomic.Uint32
	stop     atomic.Uint32
	lastHot  atomic.Int64
	cooldown int64
	now      func() int64
}

// NewGroup returns a running, cold group. now defaults to wall time.
func NewGroup(cooldown time.Duration, now func() int64) *Group {
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Group{cooldown: int64(cooldown), now: now}
}

// SignalActivity marks the group hot and restarts the cooldown.
//
//go:nosplit
func (g *Group) SignalActivity() {
	g.lastHot.Store(g.now())
	g.hot.Store(1)
}

// PollCooldown clears the hot flag once the cooldown has passed without
// activity.
func (g *Group) PollCooldown() {
	if g.hot.Load() == 1 && g.now()-g.lastHot.Load() > g.cooldown {
		g.hot.Store(0)
	}
}

// Hot reports whether runners should keep spinning.
//
//go:nosplit
func (g *Group) Hot() bool { return g.hot.Load() == 1 }

// Shutdown tells every runner of the group to return.
func (g *Group) Shutdown() { g.stop.Store(1) }

// Stopped reports whether Shutdown has been called.
//
//go:nosplit
func (g *Group) Stopped() bool { return g.stop.Load() == 1 }
