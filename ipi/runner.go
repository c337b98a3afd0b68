// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: runner.go — Processor runner goroutines
//
// Purpose:
//   - A Runner plays one processor of a live machine. It locks itself to an
//     OS thread, optionally pins that thread to a host CPU, and hands every
//     batch of mailbox bits to its handler.
//
// Notes:
//   - While the group is hot, or shortly after the last batch, the runner
//     spins on its mailbox and relaxes the CPU every spinBudget misses.
//   - A cold runner parks on the mailbox bell. The park is bounded by
//     parkPoll so a Shutdown is observed without a post.
// ─────────────────────────────────────────────────────────────────────────────

package ipi

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"schedcore/control"
	"schedcore/debug"
)

const (
	// spinBudget is the number of empty polls between CPU relax hints.
	spinBudget = 224

	// DefaultHotWindow keeps a runner spinning after its last batch.
	DefaultHotWindow = 5 * time.Millisecond

	// parkPoll bounds how long a parked runner goes without checking the
	// stop flag.
	parkPoll = 10 * time.Millisecond
)

// Handler processes a batch of bits for cpu.
type Handler func(cpu int, bits Bits)

// Runner drives one processor.
type Runner struct {
	CPU     int
	HostCPU int // host CPU to pin to, or -1
	Mailbox *Mailbox
	Group   *control.Group
	Handler Handler

	// HotWindow overrides DefaultHotWindow when non-zero.
	HotWindow time.Duration
}

// Start launches the runner and returns a channel closed when it exits.
func (r *Runner) Start() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()
		if r.HostCPU >= 0 {
			if err := setAffinity(r.HostCPU); err != nil {
				debug.DropFields("ipi", "processor runner left unpinned", logrus.Fields{
					"cpu":  r.CPU,
					"host": r.HostCPU,
					"err":  err.Error(),
				})
			}
		}
		r.loop()
	}()
	return done
}

func (r *Runner) loop() {
	window := r.HotWindow
	if window == 0 {
		window = DefaultHotWindow
	}
	park := time.NewTimer(parkPoll)
	defer park.Stop()

	var miss int
	lastHit := time.Now()
	for {
		if r.Group.Stopped() {
			return
		}
		if bits := r.Mailbox.Take(); bits != 0 {
			r.Handler(r.CPU, bits)
			miss = 0
			lastHit = time.Now()
			continue
		}
		r.Group.PollCooldown()
		if r.Group.Hot() || time.Since(lastHit) <= window {
			if miss++; miss >= spinBudget {
				miss = 0
				cpuRelax()
			}
			continue
		}

		if !park.Stop() {
			select {
			case <-park.C:
			default:
			}
		}
		park.Reset(parkPoll)
		select {
		case <-r.Mailbox.Bell():
		case <-park.C:
		}
	}
}
