package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

type buildInfo struct {
	version   string
	commit    string
	buildDate string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(buildInfo{version: version, commit: commit, buildDate: buildDate})
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit code: 2 for a workflow
// that ran and failed, 1 for everything else.
func ExitCode(err error) int {
	var failed *engine.StepFailedError
	if errors.As(err, &failed) {
		return 2
	}
	return 1
}

func newRootCommand(info buildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flow",
		Short: "froyoflow - workflow step execution engine",
		Long: `froyoflow runs workflows made of typed actions.

Steps run in-process or on a remote executor (flow-executor), workflow
definitions are synchronized from a manifest server into a local cache
that keeps working offline, and every run is recorded in a local history
database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.version, info.commit, info.buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("executor", "", "remote executor endpoint (overrides remote.endpoint)")
	rootCmd.PersistentFlags().String("manifests", "", "manifest server URL (overrides manifests.remote_url)")
	rootCmd.PersistentFlags().String("cache-dir", "", "manifest cache directory (overrides manifests.cache_dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides telemetry.logging.level)")

	rootCmd.AddCommand(newRunCommand(info))
	rootCmd.AddCommand(newSyncCommand(info))
	rootCmd.AddCommand(newActionsCommand(info))
	rootCmd.AddCommand(newHistoryCommand(info))
	rootCmd.AddCommand(newManifestsCommand(info))
	rootCmd.AddCommand(newGraphCommand(info))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
