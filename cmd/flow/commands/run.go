package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newRunCommand(info buildInfo) *cobra.Command {
	var (
		vars   map[string]string
		noSync bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow",
		Long: `Run a workflow from the manifest cache or from a local YAML file.

A workflow name is looked up under the cache's workflows/ directory after
the cache is synchronized with the manifest server. When the server is
unreachable the cached copy is used. A path to an existing file is run
directly.

Steps marked "remote: true" run on the configured executor. Inputs of the
form secret://KEY read the environment variable FLOW_SECRET_KEY.`,
		Example: `  # Run a cached workflow
  flow run release

  # Run a local file with extra variables
  flow run ./deploy.yaml --var version=1.2.3 --var env=staging

  # Run remote steps on an executor
  flow run release --executor http://executor:8470`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := a.tel.Logger.WithContext(cmd.Context())

			def, err := a.loadWorkflow(ctx, args[0], !noSync)
			if err != nil {
				return err
			}
			if def.Variables == nil {
				def.Variables = make(map[string]interface{}, len(vars))
			}
			for k, v := range vars {
				def.Variables[k] = v
			}

			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}

			result, runErr := runner.Run(ctx, def)
			if result == nil {
				return runErr
			}
			if jsonOutput {
				if err := a.printJSON(result); err != nil {
					return err
				}
			} else {
				printRunSummary(a, result)
			}
			return runErr
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "workflow variables (key=value)")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "use the manifest cache without contacting the server")

	return cmd
}

// loadWorkflow reads ref as a file when it exists, otherwise as a workflow
// name in the manifest cache.
func (a *app) loadWorkflow(ctx context.Context, ref string, sync bool) (*engine.Definition, error) {
	if info, err := os.Stat(ref); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow file: %w", err)
		}
		return engine.ParseDefinition(data)
	}

	if sync {
		mgr, err := a.syncManifests(ctx)
		if err != nil {
			return nil, err
		}
		if mgr != nil {
			report := mgr.LastReport()
			a.logger.Debug().
				Str("outcome", report.Outcome).
				Int("fetched", report.Fetched).
				Msg("Manifest cache synchronized")
		}
	}
	return a.definitionLoader().LoadDefinition(ctx, ref)
}

// newRunner wires history, telemetry, policy and the remote client into a
// runner.
func (a *app) newRunner(ctx context.Context) (*engine.Runner, error) {
	resolver, err := a.newResolver()
	if err != nil {
		return nil, err
	}

	var recorders []engine.Recorder
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		recorders = append(recorders, store)
	}
	recorders = append(recorders, a.tel.Recorder())

	opts := []engine.RunnerOption{
		engine.WithLogger(a.logger),
		engine.WithRecorder(engine.MultiRecorder(recorders...)),
		engine.WithSecrets(engine.EnvSecretResolver{Prefix: SecretEnvPrefix}),
	}
	if !jsonOutput {
		opts = append(opts, engine.WithConsole(&engine.WriterConsole{W: a.out}))
	}

	pe, err := a.newPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if pe != nil {
		opts = append(opts, engine.WithAdmitter(pe))
	}

	return engine.NewRunner(resolver, opts...), nil
}

func printRunSummary(a *app, result *engine.RunResult) {
	summary := result.Summary()
	parts := make([]string, 0, 3)
	for _, state := range []engine.ActionState{engine.StateSuccess, engine.StateError, engine.StateSkipped} {
		if n := summary[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(state.String())))
		}
	}
	fmt.Fprintf(a.out, "\nRun %s: %s (%s) in %s\n",
		result.RunID, result.State, strings.Join(parts, ", "),
		result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))

	for _, step := range result.Steps {
		if step.State == engine.StateError {
			fmt.Fprintf(a.out, "  %s: %s\n", step.StepID, step.ErrorMessage)
		}
	}
	if len(result.Variables) > 0 {
		fmt.Fprintln(a.out, "Variables:")
		for _, v := range result.Variables {
			fmt.Fprintf(a.out, "  %s = %s\n", v.Name, v.Value)
		}
	}
}
