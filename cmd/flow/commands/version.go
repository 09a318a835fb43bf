package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if jsonOutput {
				_, err := fmt.Fprintf(out, "{\"version\":%q,\"commit\":%q,\"buildDate\":%q,\"go\":%q}\n",
					info.version, info.commit, info.buildDate, runtime.Version())
				return err
			}
			_, err := fmt.Fprintf(out, "flow %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
				info.version, info.commit, info.buildDate, runtime.Version())
			return err
		},
	}
}
