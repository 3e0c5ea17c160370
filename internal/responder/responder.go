// Package responder injects a credential into an interactive session, at most
// once, either after a fixed grace delay or when a password prompt shows up.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/terminal"
)

// ErrAuthRejected means the remote side answered the credential with a
// rejection or another prompt and nothing else.
var ErrAuthRejected = errors.New("credential rejected")

// AuthFailureExit is the status ssh exits with when it could not log in.
const AuthFailureExit = 255

const (
	defaultPollInterval = 100 * time.Millisecond
	readChunk           = 4096
)

var rejectionPhrases = []string{
	"permission denied",
	"access denied",
	"authentication failed",
	"sorry, try again",
}

type Responder struct {
	strategy   model.ResponderStrategy
	credential string
	grace      time.Duration
	prompt     *regexp.Regexp

	// PollInterval bounds every readiness wait while authenticating.
	PollInterval time.Duration
	Logger       zerolog.Logger

	sent       bool
	progressed bool
}

func New(cfg model.ResponderConfig, credential string) (*Responder, error) {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = model.ResponderDelay
	}
	switch strategy {
	case model.ResponderDelay, model.ResponderPrompt, model.ResponderNone:
	default:
		return nil, fmt.Errorf("unknown responder strategy: %s", strategy)
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = model.DefaultPromptPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("prompt pattern: %w", err)
	}

	grace := cfg.Grace
	if grace <= 0 {
		grace = model.DefaultGrace
	}

	return &Responder{
		strategy:     strategy,
		credential:   credential,
		grace:        grace,
		prompt:       re,
		PollInterval: defaultPollInterval,
		Logger:       zerolog.Nop(),
	}, nil
}

func (r *Responder) Strategy() model.ResponderStrategy { return r.strategy }

// Sent reports whether the credential has been written.
func (r *Responder) Sent() bool { return r.sent }

// Authenticate runs the strategy against s. Everything read on the way is
// appended to tr; reading stops at the first error or end of stream, which
// is left for the caller's drain loop to observe again. Waiting never goes
// past deadline.
func (r *Responder) Authenticate(ctx context.Context, s terminal.Stream, tr *terminal.Transcript, deadline time.Time) error {
	if r.sent || r.strategy == model.ResponderNone {
		return nil
	}

	switch r.strategy {
	case model.ResponderDelay:
		until := time.Now().Add(r.grace)
		if deadline.Before(until) {
			until = deadline
		}
		open, err := r.readUntil(ctx, s, tr, until, nil)
		if err != nil {
			return err
		}
		if !open {
			r.Logger.Debug().Msg("stream ended during grace period; credential not sent")
			return nil
		}
		return r.send(s, tr)

	case model.ResponderPrompt:
		start := tr.Len()
		found := false
		open, err := r.readUntil(ctx, s, tr, deadline, func() bool {
			found = r.prompt.Match(lastLine(tr.Bytes()[start:]))
			return found
		})
		if err != nil {
			return err
		}
		if !open || !found {
			r.Logger.Debug().Bool("open", open).Msg("no password prompt seen; credential not sent")
			return nil
		}
		return r.send(s, tr)
	}
	return nil
}

// readUntil reads into tr until the clock reaches until, done reports true,
// the stream ends or the child exits. open is false when reading stopped
// because the session is over.
func (r *Responder) readUntil(
	ctx context.Context,
	s terminal.Stream,
	tr *terminal.Transcript,
	until time.Time,
	done func() bool,
) (open bool, err error) {
	buf := make([]byte, readChunk)
	poll := r.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		left := time.Until(until)
		if left <= 0 {
			return true, nil
		}
		if left > poll {
			left = poll
		}

		ready, err := s.WaitReadable(left)
		if err != nil {
			return false, nil
		}
		if !ready {
			if exited, _ := s.Exited(); exited {
				return false, nil
			}
			continue
		}

		n, err := s.Read(buf)
		if n > 0 {
			tr.Append(buf[:n])
			if done != nil && done() {
				return true, nil
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.Logger.Debug().Err(err).Msg("read failed while authenticating")
			}
			return false, nil
		}
	}
}

func (r *Responder) send(s terminal.Stream, tr *terminal.Transcript) error {
	if r.sent {
		return nil
	}
	r.sent = true
	tr.MarkAuth()
	if err := s.Write([]byte(r.credential + "\n")); err != nil {
		return &terminal.StreamError{Op: "write credential", Err: err}
	}
	r.Logger.Debug().Str("strategy", string(r.strategy)).Msg("credential sent")
	return nil
}

// Watch is a drain-loop hook that fails with ErrAuthRejected once the remote
// side asks for the credential again before anything else arrived. Rejection
// messages alone are not enough here; a command may print them too.
func (r *Responder) Watch(tr *terminal.Transcript) error {
	if !r.sent || r.progressed {
		return nil
	}
	switch r.classify(tr.AfterAuth(), false) {
	case verdictRejected:
		return ErrAuthRejected
	case verdictProgress:
		r.progressed = true
	}
	return nil
}

// Settle runs once the session is over. A client that printed only rejection
// messages after the credential and then exited with the ssh authentication
// failure status was refused.
func (r *Responder) Settle(tr terminal.Transcript, exitCode int) error {
	if !r.sent || r.progressed {
		return nil
	}
	switch r.classify(tr.AfterAuth(), true) {
	case verdictRejected:
		return ErrAuthRejected
	case verdictDenied:
		if exitCode == AuthFailureExit {
			return ErrAuthRejected
		}
	}
	return nil
}

// Rejected reports whether the transcript shows the credential was refused.
func (r *Responder) Rejected(tr terminal.Transcript) bool {
	return r.sent && r.classify(tr.AfterAuth(), false) == verdictRejected
}

type verdict int

const (
	verdictUndecided verdict = iota
	// verdictDenied: only rejection messages so far, no repeated prompt.
	verdictDenied
	verdictRejected
	verdictProgress
)

// classify looks at the output after the credential. Unless final is set, a
// trailing partial line is ignored until it completes or looks like a prompt.
func (r *Responder) classify(after []byte, final bool) verdict {
	lines := splitLines(string(after))
	complete := len(lines)
	if !final && complete > 0 && !strings.HasSuffix(string(after), "\n") && !r.isRepeatPrompt(lines[complete-1]) {
		complete--
	}

	denied := false
	for _, line := range lines[:complete] {
		switch {
		case line == "":
			continue
		case r.isRepeatPrompt(line):
			return verdictRejected
		case isRejection(line):
			denied = true
		default:
			return verdictProgress
		}
	}
	if denied {
		return verdictDenied
	}
	return verdictUndecided
}

// isRepeatPrompt matches a prompt line such as "root@host's password:".
func (r *Responder) isRepeatPrompt(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasSuffix(line, ":") && r.prompt.MatchString(line)
}

func isRejection(line string) bool {
	l := strings.ToLower(line)
	for _, p := range rejectionPhrases {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

func lastLine(b []byte) []byte {
	lines := splitLines(string(b))
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return []byte(lines[i])
		}
	}
	return nil
}
