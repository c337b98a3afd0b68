package debug

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(false)
	require.NoError(t, SetLevel("debug"))
	return &buf
}

func TestDropHelpers(t *testing.T) {
	buf := capture(t)
	DropMessage("power", "cpu 3 online")
	DropError("trace", errors.New("disk full"))
	DropFields("failsafe", "demoted", logrus.Fields{"tid": 7})
	Tracef("select", "cpu=%d", 2)
	out := buf.String()
	require.Contains(t, out, "cpu 3 online")
	require.Contains(t, out, "disk full")
	require.Contains(t, out, "tid=7")
	require.Contains(t, out, "cpu=2")
}

func TestFieldLevels(t *testing.T) {
	buf := capture(t)
	require.NoError(t, SetLevel("info"))
	NoteFields("power", "powered cores updated", logrus.Fields{"online": "0-3"})
	require.Contains(t, buf.String(), "level=info")
	require.NotContains(t, buf.String(), "level=warning")

	buf.Reset()
	DropFields("recommend", "forcing last resort", logrus.Fields{"cpu": 0})
	require.Contains(t, buf.String(), "level=warning")

	buf.Reset()
	require.NoError(t, SetLevel("warn"))
	NoteFields("sim", "simulation started", nil)
	require.Empty(t, buf.String())
}

func TestSetLevelRejectsGarbage(t *testing.T) {
	require.Error(t, SetLevel("loud"))
}

func TestAssertPanicsWithAssertionError(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		require.True(t, errors.HasAssertionFailure(err))
	}()
	Assert(false, "thread %d enqueued twice", 4)
}
