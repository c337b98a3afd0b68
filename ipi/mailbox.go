// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: mailbox.go — Per-processor interrupt mailboxes
//
// Purpose:
//   - A Mailbox is the pending-interrupt word of one processor. Senders OR
//     their reason bits in; the owning processor swaps the word to zero and
//     handles everything that accumulated.
//   - A Bus is the set of mailboxes of one machine. It implements the
//     SendIPI half of machine.Platform.
//
// Notes:
//   - Repeated posts of the same bit coalesce, the way a hardware IPI that
//     is already pending is not raised twice.
//   - Only the post that turns an empty word non-empty rings the doorbell,
//     so a parked runner wakes once per batch.
// ─────────────────────────────────────────────────────────────────────────────

package ipi

import (
	"sync/atomic"

	"schedcore/control"
	"schedcore/machine"
)

// Bits is a set of pending interrupt reasons.
type Bits uint32

// KindBit returns the bit for an IPI kind.
func KindBit(kind machine.IPIType) Bits { return 1 << kind }

const (
	BitIdle      = Bits(1) << machine.IPIIdle
	BitImmediate = Bits(1) << machine.IPIImmediate
	BitDeferred  = Bits(1) << machine.IPIDeferred

	// IPIMask covers every IPI kind.
	IPIMask = BitIdle | BitImmediate | BitDeferred

	// BitTimer reports that the processor's quantum timer fired.
	BitTimer Bits = 1 << 8
	// BitWork reports platform work for the processor, such as the thread
	// on core finishing its burst.
	BitWork Bits = 1 << 9
)

// Has reports whether every bit of o is set.
func (b Bits) Has(o Bits) bool { return b&o == o }

// Mailbox holds the pending bits of one processor.
type Mailbox struct {
	pending atomic.Uint32
	bell    chan struct{}
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{bell: make(chan struct{}, 1)}
}

// Post sets bits and reports whether the mailbox was empty before.
func (m *Mailbox) Post(bits Bits) bool {
	old := m.pending.Or(uint32(bits))
	if old != 0 {
		return false
	}
	select {
	case m.bell <- struct{}{}:
	default:
	}
	return true
}

// Take empties the mailbox and returns what was pending.
//
//go:nosplit
func (m *Mailbox) Take() Bits { return Bits(m.pending.Swap(0)) }

// Peek returns the pending bits without consuming them.
func (m *Mailbox) Peek() Bits { return Bits(m.pending.Load()) }

// Bell is signalled when the mailbox goes from empty to non-empty.
func (m *Mailbox) Bell() <-chan struct{} { return m.bell }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BUS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Bus routes interrupts to the mailboxes of one machine.
type Bus struct {
	boxes []*Mailbox
	group *control.Group
	sent  [machine.IPIDeferred + 1]atomic.Uint64
}

// NewBus returns a bus with n mailboxes. group may be nil; when set, every
// post marks it active.
func NewBus(n int, group *control.Group) *Bus {
	b := &Bus{boxes: make([]*Mailbox, n), group: group}
	for i := range b.boxes {
		b.boxes[i] = NewMailbox()
	}
	return b
}

// Len returns the number of mailboxes.
func (b *Bus) Len() int { return len(b.boxes) }

// Mailbox returns the mailbox of cpu.
func (b *Bus) Mailbox(cpu int) *Mailbox { return b.boxes[cpu] }

// SendIPI posts an interrupt of kind to cpu and reports whether it raised
// a new batch.
func (b *Bus) SendIPI(cpu int, kind machine.IPIType) bool {
	if kind == machine.IPINone {
		return false
	}
	b.sent[kind].Add(1)
	return b.Post(cpu, KindBit(kind))
}

// Post posts arbitrary bits to cpu.
func (b *Bus) Post(cpu int, bits Bits) bool {
	if b.group != nil {
		b.group.SignalActivity()
	}
	return b.boxes[cpu].Post(bits)
}

// Sent returns how many interrupts of kind have been sent.
func (b *Bus) Sent(kind machine.IPIType) uint64 { return b.sent[kind].Load() }
