// Package session runs an ordered list of steps against one target, each in
// a fresh terminal session, and collects a result per executed step.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ankouros/ptdrive/internal/cmdclient"
	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/pump"
	"github.com/ankouros/ptdrive/internal/responder"
	"github.com/ankouros/ptdrive/internal/sftpclient"
	"github.com/ankouros/ptdrive/internal/sshclient"
	"github.com/ankouros/ptdrive/internal/terminal"
)

// Opener starts command on target and returns the session's stream.
type Opener func(ctx context.Context, target model.Target, command string) (terminal.Stream, error)

// PushFunc copies an upload to the target before a step runs.
type PushFunc func(ctx context.Context, u model.Upload) error

type Sequencer struct {
	Target     model.Target
	Credential string
	Policy     model.Policy

	PollInterval time.Duration
	Logger       zerolog.Logger

	// Open defaults to DriverOpener(Credential).
	Open Opener
	// Push defaults to an SFTP pusher for Target, dialled on first use.
	Push PushFunc

	// OnStart runs before each step, OnChunk for every byte chunk read and
	// OnStep after each step. All are optional.
	OnStart func(index int, step model.Step)
	OnChunk func(index int, chunk []byte)
	OnStep  func(res StepResult)
}

func NewSequencer(target model.Target, credential string, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		Target:       target,
		Credential:   credential,
		Policy:       model.PolicyFailOpen,
		PollInterval: pump.DefaultPollInterval,
		Logger:       logger,
	}
}

// Run executes steps strictly in order. Under fail-open every step runs;
// under fail-fast the sequence stops after the first unsuccessful step.
// Cancelling ctx ends the current step and skips the rest.
func (s *Sequencer) Run(ctx context.Context, steps []model.Step) []StepResult {
	push := s.Push
	if push == nil {
		p := sftpclient.NewPusher(s.Target, passwordFunc(s.Credential))
		defer p.Close()
		push = p.Push
	}

	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if ctx.Err() != nil {
			s.Logger.Info().Int("remaining", len(steps)-i).Msg("sequence cancelled")
			break
		}

		if s.OnStart != nil {
			s.OnStart(i, step)
		}
		res := s.runStep(ctx, i, step, push)
		results = append(results, res)
		if s.OnStep != nil {
			s.OnStep(res)
		}

		if s.Policy == model.PolicyFailFast && !res.Succeeded() {
			s.Logger.Info().Int("step", i).Str("reason", string(res.Reason)).Msg("stopping after failed step")
			break
		}
	}
	return results
}

func (s *Sequencer) runStep(ctx context.Context, index int, step model.Step, push PushFunc) StepResult {
	res := StepResult{
		Index:      index,
		Step:       step,
		SessionID:  uuid.NewString(),
		Transcript: terminal.NewTranscript(),
		ExitCode:   -1,
		Started:    time.Now(),
	}
	log := s.Logger.With().
		Str("session", res.SessionID).
		Int("step", index).
		Str("label", step.Label()).
		Logger()

	m := terminal.NewMachine(nil)
	deadline := res.Started.Add(step.EffectiveTimeout())

	fail := func(reason terminal.Reason, err error) StepResult {
		if ferr := m.Finish(reason); ferr != nil {
			log.Warn().Err(ferr).Msg("session state")
		}
		res.Reason, res.Err = reason, err
		res.Duration = time.Since(res.Started)
		log.Warn().Err(err).Str("reason", string(reason)).Msg("step failed")
		return res
	}

	if err := step.Validate(); err != nil {
		return fail(terminal.ReasonSpawnFailed, err)
	}

	target := s.Target.WithDefaults()

	var resp *responder.Responder
	if target.Driver != model.DriverNative && target.Responder.Strategy != model.ResponderNone {
		r, err := responder.New(target.Responder, s.Credential)
		if err != nil {
			return fail(terminal.ReasonSpawnFailed, err)
		}
		r.PollInterval = minDuration(r.PollInterval, s.pollInterval())
		r.Logger = log
		resp = r
	}

	if step.Upload != nil {
		pctx, cancel := context.WithDeadline(ctx, deadline)
		err := push(pctx, *step.Upload)
		cancel()
		if err != nil {
			return fail(terminal.ReasonUploadFailed, err)
		}
		log.Debug().Str("remote", step.Upload.Remote).Msg("upload pushed")
	}

	stream, err := s.open(ctx, target, step.Command)
	if err != nil {
		return fail(terminal.ReasonSpawnFailed, err)
	}
	defer stream.Close()
	log = log.With().Int("pid", stream.PID()).Logger()
	log.Debug().Msg("session started")

	tr := terminal.NewTranscript()
	tr.Redact(s.Credential)
	var (
		watch  func(*terminal.Transcript) error
		settle func(terminal.Transcript, int) error
	)

	if resp != nil {
		if err := m.Transition(terminal.StateAuthenticating); err != nil {
			log.Warn().Err(err).Msg("session state")
		}
		err := resp.Authenticate(ctx, stream, &tr, deadline)
		if s.OnChunk != nil {
			for _, c := range tr.Chunks() {
				s.OnChunk(index, c)
			}
		}
		if err != nil && ctx.Err() == nil {
			res.Transcript = tr
			return fail(terminal.ReasonStreamError, err)
		}
		watch, settle = resp.Watch, resp.Settle
	}

	opts := pump.Options{
		Deadline:     deadline,
		Sentinel:     step.Sentinel,
		PollInterval: s.pollInterval(),
		Watch:        watch,
		Settle:       settle,
		Machine:      m,
		Logger:       log,
	}
	if s.OnChunk != nil {
		opts.OnChunk = func(chunk []byte) { s.OnChunk(index, chunk) }
	}

	out := pump.Drain(ctx, stream, tr, opts)

	res.Transcript = out.Transcript
	res.Reason = out.Reason
	res.ExitCode = out.ExitCode
	res.Err = out.Err
	res.Duration = time.Since(res.Started)

	ev := log.Info()
	if !res.Succeeded() {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("reason", string(res.Reason)).
		Int("exit", res.ExitCode).
		Int("bytes", res.Transcript.Len()).
		Dur("duration", res.Duration).
		Msg("step finished")
	return res
}

func (s *Sequencer) open(ctx context.Context, target model.Target, command string) (terminal.Stream, error) {
	if s.Open != nil {
		return s.Open(ctx, target, command)
	}
	return DriverOpener(s.Credential)(ctx, target, command)
}

func (s *Sequencer) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return pump.DefaultPollInterval
	}
	return s.PollInterval
}

// DriverOpener picks the session implementation from the target's driver.
func DriverOpener(credential string) Opener {
	return func(ctx context.Context, target model.Target, command string) (terminal.Stream, error) {
		target = target.WithDefaults()

		switch target.Driver {
		case model.DriverExec:
			ps, err := cmdclient.Open(ctx, target, command)
			if err != nil {
				return nil, err
			}
			return ps, nil

		case model.DriverNative:
			ns, err := sshclient.Open(ctx, target, command, passwordFunc(credential))
			if err != nil {
				return nil, err
			}
			return ns, nil

		default:
			return nil, fmt.Errorf("unknown connection driver: %s", target.Driver)
		}
	}
}

func passwordFunc(credential string) sshclient.PasswordProvider {
	return func() (string, error) {
		if credential == "" {
			return "", errors.New("no password supplied")
		}
		return credential, nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
