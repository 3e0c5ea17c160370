package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankouros/ptdrive/internal/buildinfo"
)

func newVersionCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(o.out, buildinfo.String())
		},
	}
}
