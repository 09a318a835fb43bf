package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

func newGraphCommand(info buildInfo) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Show the execution order of a workflow",
		Example: `  # Print execution levels
  flow graph release

  # Render with Graphviz
  flow graph release --dot | dot -Tsvg > release.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, info)
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.loadWorkflow(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			graph, err := engine.BuildStepGraph(def.Steps)
			if err != nil {
				return err
			}

			if dot {
				fmt.Fprint(a.out, graph.ToDOT(def.Name))
				return nil
			}
			order, err := engine.OrderSteps(def.Steps)
			if err != nil {
				return err
			}
			if jsonOutput {
				ids := make([]string, len(order))
				for i, s := range order {
					ids[i] = s.ID
				}
				return a.printJSON(map[string]interface{}{"levels": graph.Levels(), "order": ids})
			}

			fmt.Fprintf(a.out, "%s\n", def.Name)
			for i, level := range graph.Levels() {
				fmt.Fprintf(a.out, "  level %d: %s\n", i, strings.Join(level, ", "))
			}
			fmt.Fprintln(a.out, "order:")
			for i, s := range order {
				where := ""
				if s.Remote {
					where = " (remote)"
				}
				fmt.Fprintf(a.out, "  %d. %s [%s]%s\n", i+1, s.ID, s.Action, where)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT")
	return cmd
}
