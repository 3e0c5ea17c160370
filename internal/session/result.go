package session

import (
	"time"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/terminal"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	Index     int
	Step      model.Step
	SessionID string

	Transcript terminal.Transcript
	Reason     terminal.Reason
	// ExitCode is -1 when the child's exit status is unknown.
	ExitCode int
	Err      error

	Started  time.Time
	Duration time.Duration
}

// Succeeded reports a sentinel match, or a clean end with exit code 0.
func (r StepResult) Succeeded() bool {
	if r.Err != nil {
		return false
	}
	switch r.Reason {
	case terminal.ReasonSentinel:
		return true
	case terminal.ReasonStreamClosed, terminal.ReasonProcessExited:
		return r.ExitCode == 0
	default:
		return false
	}
}

func (r StepResult) State() terminal.State { return r.Reason.State() }

// Summary counts results by outcome.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int
}

func Summarize(results []StepResult) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		switch {
		case r.Succeeded():
			s.Succeeded++
		case r.Reason == terminal.ReasonTimeout:
			s.TimedOut++
		default:
			s.Failed++
		}
	}
	return s
}

// AllSucceeded is true when every step in results succeeded and none was skipped.
func AllSucceeded(results []StepResult, planned int) bool {
	if len(results) != planned {
		return false
	}
	for _, r := range results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}
