package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			rt, err := c.newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, result := rt.loader.Check(data)
			w := cmd.OutOrStdout()
			for _, issue := range result.Errors {
				fmt.Fprintf(w, "error   %s\n", issue)
			}
			for _, issue := range result.Warnings {
				fmt.Fprintf(w, "warning %s\n", issue)
			}
			if !result.Valid() {
				return &exitError{code: 1, msg: fmt.Sprintf("%s: %d errors", args[0], len(result.Errors))}
			}
			fmt.Fprintf(w, "ok      %s: %d steps\n", def.ID, len(def.Steps))
			return nil
		},
	}
}
