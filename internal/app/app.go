// Package app is the ptdrive command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ankouros/ptdrive/internal/buildinfo"
	"github.com/ankouros/ptdrive/internal/config"
	plog "github.com/ankouros/ptdrive/internal/log"
)

const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error  { return &ExitError{Code: ExitUsage, Err: err} }
func failedError(err error) error { return &ExitError{Code: ExitFailed, Err: err} }

type options struct {
	cfgFile  string
	logLevel string
	logJSON  bool
	noColor  bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func (o *options) logger(ctx context.Context) (zerolog.Logger, error) {
	level := o.logLevel
	if level == "" {
		s, err := config.LoadSecrets(ctx)
		if err != nil {
			return zerolog.Nop(), usageError(err)
		}
		level = s.LogLevel
	}
	lvl, err := plog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), usageError(fmt.Errorf("--log-level: %w", err))
	}
	if o.logJSON {
		return plog.NewJSON(o.errOut, lvl), nil
	}
	return plog.New(o.errOut, lvl), nil
}

func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	o := &options{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "ptdrive",
		Short:         "Drive interactive commands on a remote host through a pseudo-terminal",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate(buildinfo.String() + "\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringVarP(&o.cfgFile, "config", "c", "", "playbook file (default: ./ptdrive.yaml, then ~/.config/ptdrive/playbook.yaml)")
	pf.StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (default from PTDRIVE_LOG_LEVEL or warn)")
	pf.BoolVar(&o.logJSON, "log-json", false, "write logs as JSON")
	pf.BoolVar(&o.noColor, "no-color", false, "disable coloured output")

	root.AddCommand(
		newRunCommand(o),
		newExecCommand(o),
		newConfigCommand(o),
		newVersionCommand(o),
	)
	return root
}

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	root := NewRootCommand(in, out, errOut)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(errOut, "ptdrive:", exitErr.Err)
		}
		return exitErr.Code
	}

	// Anything cobra rejects before RunE (unknown command, bad args).
	fmt.Fprintln(errOut, "ptdrive:", err)
	return ExitUsage
}

// Main runs ptdrive with the process arguments and standard streams, and is
// cancelled by SIGINT or SIGTERM.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}
