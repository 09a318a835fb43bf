package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/stores"
)

func newHistoryCommand(info buildInfo) *cobra.Command {
	var (
		workflow string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, store, err := openHistory(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			var filter *string
			if workflow != "" {
				filter = &workflow
			}
			runs, err := store.ListRuns(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return a.printJSON(runs)
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATE\tSTARTED\tDURATION")
			for _, run := range runs {
				duration := "-"
				if run.CompletedAt != nil {
					duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Workflow, run.State, run.StartedAt.Local().Format(time.DateTime), duration)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "only show runs of this workflow")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")

	cmd.AddCommand(newHistoryShowCommand(info))
	cmd.AddCommand(newHistoryPruneCommand(info))
	return cmd
}

func newHistoryShowCommand(info buildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the steps and events of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, store, err := openHistory(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			steps, err := store.ListStepRecords(ctx, run.ID)
			if err != nil {
				return err
			}
			events, err := store.GetEvents(ctx, stores.EventQuery{RunID: &run.ID})
			if err != nil {
				return err
			}

			if jsonOutput {
				return a.printJSON(map[string]interface{}{"run": run, "steps": steps, "events": events})
			}

			fmt.Fprintf(a.out, "Run %s (%s): %s\n", run.ID, run.Workflow, run.State)
			if run.Error != nil {
				fmt.Fprintf(a.out, "  error: %s\n", *run.Error)
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nSTEP\tACTION\tWHERE\tSTATE\tDURATION\tERROR")
			for _, s := range steps {
				where := "local"
				if s.Remote {
					where = "remote"
				}
				msg := ""
				if s.ErrorMessage != nil {
					msg = *s.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.StepID, s.Action, where, s.State, s.Duration().Round(time.Millisecond), msg)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(events) > 0 {
				fmt.Fprintln(a.out, "\nEvents:")
				for _, e := range events {
					fmt.Fprintf(a.out, "  %s %-7s %s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
				}
			}
			return nil
		},
	}
}

func newHistoryPruneCommand(info buildInfo) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, store, err := openHistory(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			pruned, err := store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Pruned %d runs\n", pruned)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the newest run to delete")
	return cmd
}

func openHistory(cmd *cobra.Command, info buildInfo) (*app, stores.Store, error) {
	a, err := loadApp(cmd, info)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.openStore(cmd.Context())
	if err != nil {
		a.close()
		return nil, nil, err
	}
	if store == nil {
		a.close()
		return nil, nil, fmt.Errorf("run history is disabled (history.enabled)")
	}
	return a, store, nil
}
