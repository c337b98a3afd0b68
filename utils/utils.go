// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: utils.go — Bit scanning & formatting helpers
//
// Purpose:
//   - Bit scan primitives shared by the run queues and cpumaps.
//   - Alloc-light integer formatting for trace labels.
//
// Notes:
//   - Every scan returns -1 on an empty mask so callers can loop with
//     `for i := First(m); i >= 0; i = Next(m, i)`.
// ─────────────────────────────────────────────────────────────────────────────

package utils

import "math/bits"

///////////////////////////////////////////////////////////////////////////////
// Bit scanning
///////////////////////////////////////////////////////////////////////////////

// LSBFirst returns the index of the lowest set bit, or -1 when m is 0.
//
//go:nosplit
//go:inline
func LSBFirst(m uint64) int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(m)
}

// LSBNext returns the lowest set bit strictly above prev, or -1.
//
//go:nosplit
//go:inline
func LSBNext(m uint64, prev int) int {
	if prev >= 63 {
		return -1
	}
	return LSBFirst(m &^ ((uint64(2) << uint(prev)) - 1))
}

// MSBFirst returns the index of the highest set bit, or -1 when m is 0.
//
//go:nosplit
//go:inline
func MSBFirst(m uint64) int {
	if m == 0 {
		return -1
	}
	return 63 - bits.LeadingZeros64(m)
}

// MSBNext returns the highest set bit strictly below prev, or -1.
//
//go:nosplit
//go:inline
func MSBNext(m uint64, prev int) int {
	if prev <= 0 {
		return -1
	}
	return MSBFirst(m & ((uint64(1) << uint(prev)) - 1))
}

// PopCount returns the number of set bits in m.
//
//go:nosplit
//go:inline
func PopCount(m uint64) int {
	return bits.OnesCount64(m)
}

// RotateFirst returns the first set bit at or after start, wrapping around
// to bit 0. Used for round-robin scans over processor masks.
func RotateFirst(m uint64, start int) int {
	if m == 0 {
		return -1
	}
	start &= 63
	if hi := m &^ ((uint64(1) << uint(start)) - 1); hi != 0 {
		return bits.TrailingZeros64(hi)
	}
	return bits.TrailingZeros64(m)
}

///////////////////////////////////////////////////////////////////////////////
// Formatting
///////////////////////////////////////////////////////////////////////////////

// Itoa converts a signed integer to its decimal representation without
// going through fmt.
func Itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	u := uint64(n)
	if neg {
		u = uint64(-n)
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
