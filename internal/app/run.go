package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptdrive/internal/config"
	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/session"
)

type runOptions struct {
	steps         []string
	policy        string
	transcripts   string
	pollInterval  time.Duration
	passwordStdin bool
}

func newRunCommand(o *options) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the playbook's steps in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pb, err := config.Load(o.cfgFile)
			if err != nil {
				return usageError(err)
			}

			if ro.policy != "" {
				pb.Policy = model.Policy(ro.policy)
			}
			if ro.transcripts != "" {
				pb.Transcripts = ro.transcripts
			}
			if ro.pollInterval > 0 {
				pb.PollInterval = ro.pollInterval
			}
			if err := config.Validate(pb); err != nil {
				return usageError(err)
			}

			steps, err := pb.Select(ro.steps)
			if err != nil {
				return usageError(err)
			}

			return execute(cmd.Context(), o, plan{
				target:       pb.Target,
				steps:        steps,
				policy:       pb.Policy,
				pollInterval: pb.PollInterval,
				transcripts:  pb.Transcripts,
			}, ro.passwordStdin)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&ro.steps, "step", nil, "run only the named step (repeatable)")
	f.StringVar(&ro.policy, "policy", "", "fail-open or fail-fast (overrides the playbook)")
	f.StringVar(&ro.transcripts, "transcripts", "", "directory to archive step transcripts to")
	f.DurationVar(&ro.pollInterval, "poll-interval", 0, "output poll interval (overrides the playbook)")
	f.BoolVar(&ro.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
	return cmd
}

type plan struct {
	target       model.Target
	steps        []model.Step
	policy       model.Policy
	pollInterval time.Duration
	transcripts  string
}

// execute runs p and maps the results to an exit code.
func execute(ctx context.Context, o *options, p plan, passwordStdin bool) error {
	logger, err := o.logger(ctx)
	if err != nil {
		return err
	}

	secrets, err := config.LoadSecrets(ctx)
	if err != nil {
		return usageError(err)
	}
	secrets.Apply(&p.target)

	if passwordStdin || config.NeedsPassword(p.target) {
		pw, err := readPassword(o.in, o.errOut, p.target, passwordStdin)
		if err != nil {
			return usageError(err)
		}
		p.target.Auth.Password = pw
	}

	pr := newPrinter(o.out, o.noColor)

	seq := session.NewSequencer(p.target, credential(p.target), logger)
	if p.policy != "" {
		seq.Policy = p.policy
	}
	if p.pollInterval > 0 {
		seq.PollInterval = p.pollInterval
	}
	seq.OnStart = func(i int, st model.Step) { pr.StepStart(i, len(p.steps), st) }
	seq.OnChunk = func(_ int, c []byte) { pr.Chunk(c) }
	seq.OnStep = pr.StepDone

	logger.Info().
		Str("target", p.target.String()).
		Int("steps", len(p.steps)).
		Str("policy", string(seq.Policy)).
		Msg("sequence started")

	results := seq.Run(ctx, p.steps)
	pr.Summary(results, len(p.steps))

	if p.transcripts != "" {
		paths, err := archive(p.transcripts, results)
		if err != nil {
			logger.Error().Err(err).Str("dir", p.transcripts).Msg("archive transcripts")
			return failedError(fmt.Errorf("archive transcripts: %w", err))
		}
		logger.Info().Int("files", len(paths)).Str("dir", p.transcripts).Msg("transcripts archived")
	}

	if !session.AllSucceeded(results, len(p.steps)) {
		return &ExitError{Code: ExitFailed}
	}
	return nil
}

// credential is what the responder types into the session. An exec-driver
// key login answers the passphrase prompt instead of a password prompt.
func credential(t model.Target) string {
	t = t.WithDefaults()
	if t.Auth.Password == "" && t.Auth.Method == model.AuthKey && t.Driver == model.DriverExec {
		return t.Auth.Passphrase
	}
	return t.Auth.Password
}
