package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/internal/engine"
)

func newPlanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <definition.yaml>",
		Short: "Print the steps of a workflow grouped by dependency level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, err := rt.loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			g, err := engine.BuildPlan(def)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			mode := "sequential"
			if def.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(w, "workflow %s (%s, on_error=%s)\n", def.ID, mode, def.OnError.Effective())
			for i, level := range g.Levels {
				fmt.Fprintf(w, "level %d:\n", i)
				for _, id := range level {
					st := g.Steps[id]
					line := fmt.Sprintf("  %s  %s.%s", id, st.Provider, st.Action)
					if len(st.DependsOn) > 0 {
						line += "  after " + strings.Join(st.DependsOn, ", ")
					}
					if st.When != "" {
						line += "  when " + st.When
					}
					fmt.Fprintln(w, line)
				}
			}
			return nil
		},
	}
}
