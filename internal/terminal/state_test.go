package terminal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []State
		ok   bool
	}{
		{"auth then run then clean", []State{StateAuthenticating, StateRunning, StateClosedClean}, true},
		{"run without auth", []State{StateRunning, StateTimedOut}, true},
		{"spawn failure", []State{StateClosedError}, true},
		{"exit while authenticating", []State{StateAuthenticating, StateClosedClean}, true},
		{"back to auth", []State{StateRunning, StateAuthenticating}, false},
		{"leave terminal", []State{StateRunning, StateClosedClean, StateRunning}, false},
		{"double finish", []State{StateRunning, StateTimedOut, StateClosedError}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(nil)
			var err error
			for _, st := range tc.path {
				if err = m.Transition(st); err != nil {
					break
				}
			}
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.path[len(tc.path)-1], m.State())
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestMachineFinishRecordsReason(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMachine(func() time.Time { return now })
	require.NoError(t, m.Transition(StateRunning))

	now = now.Add(3 * time.Second)
	require.NoError(t, m.Finish(ReasonTimeout))
	assert.Equal(t, StateTimedOut, m.State())
	assert.Equal(t, ReasonTimeout, m.Reason())
	assert.Equal(t, now, m.Since())

	require.Error(t, m.Finish(ReasonSentinel))
	assert.Equal(t, ReasonTimeout, m.Reason())
}

func TestReasonState(t *testing.T) {
	assert.Equal(t, StateClosedClean, ReasonSentinel.State())
	assert.Equal(t, StateClosedClean, ReasonStreamClosed.State())
	assert.Equal(t, StateClosedClean, ReasonProcessExited.State())
	assert.Equal(t, StateTimedOut, ReasonTimeout.State())
	assert.Equal(t, StateClosedError, ReasonStreamError.State())
	assert.Equal(t, StateClosedError, ReasonCancelled.State())
	assert.Equal(t, StateClosedError, ReasonAuthFailed.State())
}
