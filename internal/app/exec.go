package app

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptdrive/internal/config"
	"github.com/ankouros/ptdrive/internal/model"
)

type execOptions struct {
	name     string
	sentinel string
	timeout  time.Duration
	poll     time.Duration

	driver     string
	auth       string
	identity   string
	hostKey    string
	strategy   string
	grace      time.Duration
	client     string
	clientArgs []string

	transcripts   string
	passwordStdin bool
}

func newExecCommand(o *options) *cobra.Command {
	eo := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec <[user@]host[:port]> -- <command>",
		Short: "Run one ad-hoc command on a target",
		Example: `  ptdrive exec root@10.0.0.5 -- uptime
  ptdrive exec deploy@web1 --sentinel RESTART_SUCCESS --timeout 2m -- ./restart.sh`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := model.ParseTarget(args[0])
			if err != nil {
				return usageError(err)
			}
			eo.apply(&target)

			step := model.Step{
				Name:     eo.name,
				Command:  strings.Join(args[1:], " "),
				Timeout:  eo.timeout,
				Sentinel: eo.sentinel,
			}
			if err := config.Validate(config.Playbook{Target: target, Steps: []model.Step{step}}); err != nil {
				return usageError(err)
			}

			return execute(cmd.Context(), o, plan{
				target:       target,
				steps:        []model.Step{step},
				pollInterval: eo.poll,
				transcripts:  eo.transcripts,
			}, eo.passwordStdin)
		},
	}

	f := cmd.Flags()
	f.StringVar(&eo.name, "name", "", "step label")
	f.StringVar(&eo.sentinel, "sentinel", "", "text that marks the command as done")
	f.DurationVar(&eo.timeout, "timeout", model.DefaultStepTimeout, "step timeout")
	f.DurationVar(&eo.poll, "poll-interval", 0, "output poll interval")
	f.StringVar(&eo.driver, "driver", "", "exec or native")
	f.StringVar(&eo.auth, "auth", "", "password, key, agent or keyboard-interactive")
	f.StringVarP(&eo.identity, "identity", "i", "", "private key file")
	f.StringVar(&eo.hostKey, "host-key", "", "known_hosts, accept-new or insecure")
	f.StringVar(&eo.strategy, "strategy", "", "credential responder: delay, prompt or none")
	f.DurationVar(&eo.grace, "grace", 0, "delay before the credential is sent (delay strategy)")
	f.StringVar(&eo.client, "client", "", "client binary for the exec driver (default ssh)")
	f.StringArrayVar(&eo.clientArgs, "client-arg", nil, "client argument template, repeatable; placeholders {user} {host} {port} {target} {command}")
	f.StringVar(&eo.transcripts, "transcripts", "", "directory to archive the transcript to")
	f.BoolVar(&eo.passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
	return cmd
}

func (eo *execOptions) apply(t *model.Target) {
	if eo.driver != "" {
		t.Driver = model.ConnectionDriver(eo.driver)
	}
	if eo.auth != "" {
		t.Auth.Method = model.AuthMethod(eo.auth)
	}
	if eo.identity != "" {
		t.Client.IdentityFile = eo.identity
		t.Auth.KeyPath = eo.identity
		if eo.auth == "" {
			t.Auth.Method = model.AuthKey
		}
	}
	if eo.hostKey != "" {
		t.HostKey.Mode = model.HostKeyMode(eo.hostKey)
	}
	if eo.strategy != "" {
		t.Responder.Strategy = model.ResponderStrategy(eo.strategy)
	}
	if eo.grace > 0 {
		t.Responder.Grace = eo.grace
	}
	if eo.client != "" {
		t.Client.Path = eo.client
	}
	if len(eo.clientArgs) > 0 {
		t.Client.Args = eo.clientArgs
	}
}
