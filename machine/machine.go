// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: machine.go — Collaborator interfaces below the scheduler
//
// Purpose:
//   - Clock, per-processor timers, the platform layer (context switch,
//     interrupts, power, hints), ledgers and tracing.
//
// Notes:
//   - The scheduler never touches hardware. Everything it needs from below
//     crosses one of these interfaces, which keeps it drivable from the
//     simulator and from tests.
// ─────────────────────────────────────────────────────────────────────────────

package machine

import (
	"schedcore/cpumap"
	"schedcore/thread"
)

// Clock returns monotonic machine time in nanoseconds.
type Clock interface {
	Now() int64
}

// Timer is a one-shot per-processor timer.
type Timer interface {
	// Enter arms the timer for an absolute deadline, replacing any earlier one.
	Enter(deadline int64)
	// Cancel disarms the timer and reports whether it was armed.
	Cancel() bool
}

// IPIType is the kind of interrupt delivered to another processor.
type IPIType uint8

const (
	IPINone      IPIType = iota
	IPIIdle              // wake an idle processor
	IPIImmediate         // interrupt a running processor now
	IPIDeferred          // batch with other wake reasons
)

func (t IPIType) String() string {
	return [...]string{"none", "idle", "immediate", "deferred"}[t]
}

// Platform is the machine layer.
type Platform interface {
	// SwitchContext transfers the processor from old to next.
	SwitchContext(cpu int, old, next *thread.Thread)

	// SendIPI delivers an interrupt to cpu.
	SendIPI(cpu int, kind IPIType)

	// QuantumTimer returns the quantum timer of cpu. fn runs when it fires.
	QuantumTimer(cpu int, fn func(now int64)) Timer

	// StartProcessor brings cpu online and returns once it can take work.
	StartProcessor(cpu int) error

	// ShutdownProcessor takes cpu offline.
	ShutdownProcessor(cpu int) error

	// PreferredIdle narrows a set of idle candidates to the platform's
	// preferred ones for t. Returning the input means no preference.
	PreferredIdle(candidates cpumap.Map, t *thread.Thread) cpumap.Map

	// UrgencyChanged reports the new urgency of cpu after a dispatch.
	UrgencyChanged(cpu int, urgency int, rtPeriod, rtDeadline int64)
}

// Delayer is implemented by platforms that can spin a processor for a
// bounded time with no locks held. Without it the scheduler yields the
// calling goroutine instead.
type Delayer interface {
	Delay(ns int64)
}

// Avoider is implemented by platforms that can ask for an unbound thread
// to move off a processor, for example one being throttled.
type Avoider interface {
	AvoidProcessor(cpu int, t *thread.Thread) bool
}

// PerfControl is implemented by platforms that track the priority of the
// thread on core. Called with the thread lock held.
type PerfControl interface {
	PriorityChanged(cpu int, t *thread.Thread, oldPri, newPri int)
}

// Ledger bills processor time.
type Ledger interface {
	Bill(t *thread.Thread, ns int64)
}

// EventCode identifies a trace event.
type EventCode uint16

const (
	EvSwitch EventCode = iota + 1
	EvSetrun
	EvIPI
	EvQuantumExpire
	EvDemote
	EvUndemote
	EvFailsafe
	EvRecommend
	EvPower
	EvSteal
	EvIdle
	EvPriChange
)

var eventNames = map[EventCode]string{
	EvSwitch:        "switch",
	EvSetrun:        "setrun",
	EvIPI:           "ipi",
	EvQuantumExpire: "quantum_expire",
	EvDemote:        "demote",
	EvUndemote:      "undemote",
	EvFailsafe:      "failsafe",
	EvRecommend:     "recommend",
	EvPower:         "power",
	EvSteal:         "steal",
	EvIdle:          "idle",
	EvPriChange:     "pri_change",
}

func (c EventCode) String() string {
	if n, ok := eventNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseEventCode returns the code named name.
func ParseEventCode(name string) (EventCode, bool) {
	for c, n := range eventNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Tracer records fire-and-forget trace events. Implementations must not
// block and may drop events under pressure.
type Tracer interface {
	Trace(code EventCode, cpu int, a1, a2, a3, a4 uint64)
}
