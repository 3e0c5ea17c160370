package terminal

import (
	"fmt"
	"time"
)

type State int

const (
	StateStarting State = iota
	StateAuthenticating
	StateRunning
	StateClosedClean
	StateClosedError
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	case StateClosedClean:
		return "closed-clean"
	case StateClosedError:
		return "closed-error"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateClosedClean, StateClosedError, StateTimedOut:
		return true
	default:
		return false
	}
}

// Reason says why a step's drain loop ended.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonSentinel      Reason = "sentinel"
	ReasonStreamClosed  Reason = "stream-closed"
	ReasonProcessExited Reason = "process-exited"
	ReasonTimeout       Reason = "timeout"
	ReasonStreamError   Reason = "stream-error"
	ReasonAuthFailed    Reason = "auth-failed"
	ReasonCancelled     Reason = "cancelled"
	ReasonSpawnFailed   Reason = "spawn-failed"
	ReasonUploadFailed  Reason = "upload-failed"
)

// State maps a termination reason to the terminal session state.
func (r Reason) State() State {
	switch r {
	case ReasonSentinel, ReasonStreamClosed, ReasonProcessExited:
		return StateClosedClean
	case ReasonTimeout:
		return StateTimedOut
	default:
		return StateClosedError
	}
}

// Machine tracks one session's lifecycle. Transition is the only way to
// change state.
type Machine struct {
	state  State
	reason Reason
	since  time.Time
	now    func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: StateStarting, since: now(), now: now}
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Reason() Reason { return m.reason }

// Since is when the current state was entered.
func (m *Machine) Since() time.Time { return m.since }

// Transition moves to the next state, or fails if the move is not allowed.
func (m *Machine) Transition(to State) error {
	if !allowed(m.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", m.state, to)
	}
	m.state = to
	m.since = m.now()
	return nil
}

// Finish moves to the terminal state implied by reason.
func (m *Machine) Finish(reason Reason) error {
	if err := m.Transition(reason.State()); err != nil {
		return err
	}
	m.reason = reason
	return nil
}

func allowed(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateAuthenticating || to == StateRunning || to.Terminal()
	case StateAuthenticating:
		return to == StateRunning || to.Terminal()
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}
