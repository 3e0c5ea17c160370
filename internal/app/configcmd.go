package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptdrive/internal/config"
)

func newConfigCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create playbooks",
	}
	cmd.AddCommand(newConfigShowCommand(o), newConfigInitCommand(o))
	return cmd
}

func newConfigShowCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective playbook with defaults applied and secrets removed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pb, err := config.Load(o.cfgFile)
			if err != nil {
				return usageError(err)
			}
			if err := config.Dump(o.out, pb); err != nil {
				return failedError(err)
			}
			return nil
		},
	}
}

func newConfigInitCommand(o *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example playbook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := o.cfgFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				p, err := config.ConfigPath()
				if err != nil {
					return failedError(err)
				}
				path = p
			}
			if err := config.WriteDefault(path, force); err != nil {
				return usageError(err)
			}
			fmt.Fprintln(o.out, "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
