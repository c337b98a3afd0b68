package cpumap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapBasics(t *testing.T) {
	m := Of(1, 3, 63)
	require.True(t, m.Has(3))
	require.False(t, m.Has(2))
	require.Equal(t, 3, m.Count())
	require.Equal(t, 1, m.First())
	require.Equal(t, 63, m.Last())
	require.Equal(t, 3, m.Next(1))
	require.Equal(t, "{1,3,63}", m.String())
	require.Equal(t, "{}", None.String())
	require.Equal(t, Of(0, 1, 2), Range(3))
	require.Equal(t, All, Range(64))
	require.Equal(t, Of(1, 63), m.Clear(3))
	require.Equal(t, 1, m.RotateFirst(64))
	require.Equal(t, 63, m.RotateFirst(4))
}

func TestMapEachStops(t *testing.T) {
	var seen []int
	Of(0, 4, 9).Each(func(id int) bool {
		seen = append(seen, id)
		return id < 4
	})
	require.Equal(t, []int{0, 4}, seen)
}

func TestAtomicConcurrentBits(t *testing.T) {
	var a Atomic
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			require.True(t, a.SetBit(id))
		}(i)
	}
	wg.Wait()
	require.Equal(t, All, a.Load())
	require.True(t, a.ClearBit(7))
	require.False(t, a.ClearBit(7))
	require.False(t, a.Has(7))
	require.False(t, a.SetBit(8))
}
