// Package pump drains a terminal stream into a transcript under a deadline.
//
// The loop never blocks for more than one poll interval without checking the
// deadline, the child process and the context, so a hung remote command
// cannot hold a step for longer than its timeout plus one poll interval.
package pump

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ankouros/ptdrive/internal/terminal"
)

const (
	DefaultPollInterval = time.Second
	DefaultChunkSize    = 4096

	reapStep = 10 * time.Millisecond
)

type Options struct {
	// Deadline is absolute. A zero deadline means the loop only ends on
	// end of stream, sentinel, exit or cancellation.
	Deadline time.Time
	// Sentinel ends the drain as soon as it appears in the transcript.
	Sentinel string

	PollInterval time.Duration
	ChunkSize    int

	// Watch runs after every appended chunk; a non-nil error ends the drain
	// with ReasonAuthFailed.
	Watch func(tr *terminal.Transcript) error
	// Settle runs once after the child ended the stream or exited, with the
	// reaped exit code. A non-nil error turns the result into ReasonAuthFailed.
	Settle func(tr terminal.Transcript, exitCode int) error
	// OnChunk sees every chunk as it arrives. It must not retain the slice.
	OnChunk func(chunk []byte)

	// Machine is advanced to Running and then to a terminal state. A fresh
	// machine is used when nil.
	Machine *terminal.Machine
	Logger  zerolog.Logger
}

type Result struct {
	Transcript terminal.Transcript
	Reason     terminal.Reason
	State      terminal.State
	// ExitCode is -1 when the child had not been reaped when draining stopped.
	ExitCode int
	Err      error
	Elapsed  time.Duration
}

// Drain reads s into tr until end of stream, sentinel match, child exit,
// watch failure, cancellation or the deadline. A timeout is a reason, not an
// error. The child is killed only when ctx is cancelled.
func Drain(ctx context.Context, s terminal.Stream, tr terminal.Transcript, opts Options) Result {
	start := time.Now()
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	m := opts.Machine
	if m == nil {
		m = terminal.NewMachine(nil)
	}
	log := opts.Logger

	if st := m.State(); st == terminal.StateStarting || st == terminal.StateAuthenticating {
		if err := m.Transition(terminal.StateRunning); err != nil {
			log.Warn().Err(err).Msg("session state")
		}
	}

	reason, err := loop(ctx, s, &tr, opts, poll, size, log)

	if reason == terminal.ReasonCancelled {
		if kerr := s.Kill(); kerr != nil {
			log.Debug().Err(kerr).Msg("kill after cancellation")
		}
		_ = s.Close()
	}

	code := reap(s, reason, poll)

	if opts.Settle != nil && (reason == terminal.ReasonStreamClosed || reason == terminal.ReasonProcessExited) {
		if serr := opts.Settle(tr, code); serr != nil {
			reason, err = terminal.ReasonAuthFailed, serr
		}
	}

	if ferr := m.Finish(reason); ferr != nil {
		log.Warn().Err(ferr).Msg("session state")
	}

	res := Result{
		Transcript: tr,
		Reason:     reason,
		State:      m.State(),
		ExitCode:   code,
		Err:        err,
		Elapsed:    time.Since(start),
	}

	log.Debug().
		Str("reason", string(reason)).
		Int("bytes", tr.Len()).
		Int("exit", code).
		Dur("elapsed", res.Elapsed).
		Msg("drain finished")
	return res
}

func loop(
	ctx context.Context,
	s terminal.Stream,
	tr *terminal.Transcript,
	opts Options,
	poll time.Duration,
	size int,
	log zerolog.Logger,
) (terminal.Reason, error) {
	if opts.Sentinel != "" && tr.Contains(opts.Sentinel) {
		return terminal.ReasonSentinel, nil
	}

	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return terminal.ReasonCancelled, err
		}

		wait := poll
		if !opts.Deadline.IsZero() {
			left := time.Until(opts.Deadline)
			if left <= 0 {
				return terminal.ReasonTimeout, nil
			}
			if left < wait {
				wait = left
			}
		}

		ready, err := s.WaitReadable(wait)
		if err != nil {
			return terminal.ReasonStreamError, &terminal.StreamError{Op: "wait", Err: err}
		}

		if !ready {
			if exited, _ := s.Exited(); exited {
				return terminal.ReasonProcessExited, nil
			}
			continue
		}

		n, rerr := s.Read(buf)
		if n > 0 {
			prev := tr.Len()
			tr.Append(buf[:n])
			if opts.OnChunk != nil {
				opts.OnChunk(tr.Since(prev))
			}
			log.Trace().Int("n", n).Msg("chunk")

			if opts.Sentinel != "" && tr.ContainsFrom(opts.Sentinel, prev) {
				return terminal.ReasonSentinel, nil
			}
			if opts.Watch != nil {
				if werr := opts.Watch(tr); werr != nil {
					return terminal.ReasonAuthFailed, werr
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return terminal.ReasonStreamClosed, nil
			}
			return terminal.ReasonStreamError, &terminal.StreamError{Op: "read", Err: rerr}
		}
	}
}

// reap collects the exit code without blocking for long. After end of stream
// or a kill the child usually exits within moments, so it is given up to one
// poll interval; otherwise the child is only probed.
func reap(s terminal.Stream, reason terminal.Reason, poll time.Duration) int {
	if exited, code := s.Exited(); exited {
		return code
	}
	switch reason {
	case terminal.ReasonStreamClosed, terminal.ReasonCancelled:
	default:
		return -1
	}

	until := time.Now().Add(poll)
	for time.Now().Before(until) {
		time.Sleep(reapStep)
		if exited, code := s.Exited(); exited {
			return code
		}
	}
	return -1
}
