package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/actions"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newActionsCommand(info buildInfo) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List and describe actions",
		Long: `Inspect the actions available to workflows.

Without --remote the built-in actions of this binary are shown. With
--remote the actions hosted by the configured executor are queried.`,
	}
	cmd.PersistentFlags().BoolVar(&remote, "remote", false, "query the remote executor instead of the local registry")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			metas, err := a.listActions(cmd.Context(), remote)
			if err != nil {
				return err
			}
			if jsonOutput {
				return a.printJSON(metas)
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINPUTS\tOUTPUTS\tDESCRIPTION")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", m.Name, len(m.Inputs), len(m.Outputs), m.Description)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <action>",
		Short: "Show the inputs and outputs of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			meta, err := a.describeAction(cmd.Context(), args[0], remote)
			if err != nil {
				return err
			}
			if jsonOutput {
				return a.printJSON(meta)
			}
			printMetadata(a, meta)
			return nil
		},
	})

	return cmd
}

func (a *app) listActions(ctx context.Context, remote bool) ([]engine.ActionMetadata, error) {
	if !remote {
		return actions.NewRegistry().List(), nil
	}
	c, err := a.requireClient()
	if err != nil {
		return nil, err
	}
	return c.ListActions(ctx)
}

func (a *app) describeAction(ctx context.Context, name string, remote bool) (engine.ActionMetadata, error) {
	if !remote {
		return actions.NewRegistry().Describe(name)
	}
	c, err := a.requireClient()
	if err != nil {
		return engine.ActionMetadata{}, err
	}
	return c.DescribeAction(ctx, name)
}

func printMetadata(a *app, meta engine.ActionMetadata) {
	fmt.Fprintf(a.out, "%s\n", meta.Name)
	if meta.Description != "" {
		fmt.Fprintf(a.out, "  %s\n", meta.Description)
	}
	if meta.Author != "" {
		fmt.Fprintf(a.out, "  author: %s\n", meta.Author)
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nINPUT\tKIND\tREQUIRED\tDEFAULT\tDESCRIPTION")
	for _, in := range meta.Inputs {
		def := ""
		if !in.Default.IsZero() {
			def = in.Default.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", in.ID, in.Kind, in.Required, def, in.Description)
	}
	fmt.Fprintln(w, "\nOUTPUT\tKIND\tDESCRIPTION")
	for _, out := range meta.Outputs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", out.ID, out.Kind, strings.TrimSpace(out.Description))
	}
	_ = w.Flush()
}
