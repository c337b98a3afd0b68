package syncutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertHeld(t *testing.T) {
	var m Mutex
	m.Lock()
	require.NotPanics(t, m.AssertHeld)
	m.Unlock()
	if !DeadlockEnabled {
		require.Panics(t, m.AssertHeld)
	}
}
