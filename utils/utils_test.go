package utils

import (
	"math"
	"strconv"
	"testing"
)

func collectLSB(m uint64) []int {
	var out []int
	for i := LSBFirst(m); i >= 0; i = LSBNext(m, i) {
		out = append(out, i)
	}
	return out
}

func collectMSB(m uint64) []int {
	var out []int
	for i := MSBFirst(m); i >= 0; i = MSBNext(m, i) {
		out = append(out, i)
	}
	return out
}

func TestBitScans(t *testing.T) {
	if LSBFirst(0) != -1 || MSBFirst(0) != -1 {
		t.Fatal("empty mask must scan to -1")
	}
	m := uint64(1)<<0 | 1<<5 | 1<<63
	got := collectLSB(m)
	want := []int{0, 5, 63}
	if len(got) != len(want) {
		t.Fatalf("LSB scan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LSB scan = %v, want %v", got, want)
		}
	}
	got = collectMSB(m)
	want = []int{63, 5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MSB scan = %v, want %v", got, want)
		}
	}
	if PopCount(m) != 3 {
		t.Fatalf("PopCount = %d", PopCount(m))
	}
}

func TestRotateFirst(t *testing.T) {
	m := uint64(1)<<2 | 1<<9
	cases := []struct{ start, want int }{{0, 2}, {2, 2}, {3, 9}, {10, 2}, {64, 2}}
	for _, c := range cases {
		if got := RotateFirst(m, c.start); got != c.want {
			t.Fatalf("RotateFirst(%d) = %d, want %d", c.start, got, c.want)
		}
	}
	if RotateFirst(0, 5) != -1 {
		t.Fatal("RotateFirst on empty mask")
	}
}

func TestItoa(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 42, -9001, math.MaxInt64, math.MinInt64 + 1} {
		if got := Itoa(n); got != strconv.FormatInt(n, 10) {
			t.Fatalf("Itoa(%d) = %q", n, got)
		}
	}
}
