// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: cpumap.go — 64-bit processor masks
//
// Purpose:
//   - Map is a plain value mask, owned by whoever holds the pset lock.
//   - Atomic is the lock-free variant used for masks that are read or
//     updated without the pset lock (pending ASTs, recommended cores,
//     stealable deadline holders).
//
// Notes:
//   - Bit i corresponds to cpu id i.
// ─────────────────────────────────────────────────────────────────────────────

package cpumap

import (
	"strings"
	"sync/atomic"

	"schedcore/utils"
)

// Map is a set of cpu ids in [0, 64).
type Map uint64

// None is the empty map.
const None Map = 0

// All is the map containing every cpu id.
const All Map = ^Map(0)

// Of returns the map containing the given ids.
func Of(ids ...int) Map {
	var m Map
	for _, id := range ids {
		m = m.Set(id)
	}
	return m
}

// Range returns the map of ids [0, n).
func Range(n int) Map {
	if n >= 64 {
		return All
	}
	return Map((uint64(1) << uint(n)) - 1)
}

//go:nosplit
//go:inline
func (m Map) Has(id int) bool { return m&(1<<uint(id)) != 0 }

//go:nosplit
//go:inline
func (m Map) Set(id int) Map { return m | 1<<uint(id) }

//go:nosplit
//go:inline
func (m Map) Clear(id int) Map { return m &^ (1 << uint(id)) }

// Empty reports whether no bit is set.
func (m Map) Empty() bool { return m == 0 }

// Count returns the number of ids in m.
func (m Map) Count() int { return utils.PopCount(uint64(m)) }

// First returns the lowest id, or -1.
func (m Map) First() int { return utils.LSBFirst(uint64(m)) }

// Next returns the lowest id above prev, or -1.
func (m Map) Next(prev int) int { return utils.LSBNext(uint64(m), prev) }

// Last returns the highest id, or -1.
func (m Map) Last() int { return utils.MSBFirst(uint64(m)) }

// RotateFirst returns the first id at or after start, wrapping.
func (m Map) RotateFirst(start int) int { return utils.RotateFirst(uint64(m), start) }

// Each calls fn for every id in ascending order until fn returns false.
func (m Map) Each(fn func(id int) bool) {
	for id := m.First(); id >= 0; id = m.Next(id) {
		if !fn(id) {
			return
		}
	}
}

// String renders the map as a comma separated id list.
func (m Map) String() string {
	if m == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	m.Each(func(id int) bool {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(utils.Itoa(int64(id)))
		return true
	})
	b.WriteByte('}')
	return b.String()
}

///////////////////////////////////////////////////////////////////////////////
// Atomic variant
///////////////////////////////////////////////////////////////////////////////

// Atomic is a Map that supports lock-free bit updates.
type Atomic struct {
	v atomic.Uint64
}

// Load returns a snapshot of the map.
func (a *Atomic) Load() Map { return Map(a.v.Load()) }

// Store replaces the map.
func (a *Atomic) Store(m Map) { a.v.Store(uint64(m)) }

// Has reports whether id is set.
func (a *Atomic) Has(id int) bool { return a.Load().Has(id) }

// SetBit sets id and reports whether it was previously clear.
func (a *Atomic) SetBit(id int) bool {
	bit := uint64(1) << uint(id)
	return a.v.Or(bit)&bit == 0
}

// ClearBit clears id and reports whether it was previously set.
func (a *Atomic) ClearBit(id int) bool {
	bit := uint64(1) << uint(id)
	return a.v.And(^bit)&bit != 0
}
