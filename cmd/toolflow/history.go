package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		filter store.RunFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run with its events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hist, err := c.openHistory(ctx)
			if err != nil {
				return err
			}
			if hist == nil {
				return errors.New("run history is disabled (history_db is empty)")
			}
			defer hist.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := hist.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := hist.GetEvents(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"run": run, "events": events})
			}

			filter.Status = schema.RunStatus(status)
			runs, err := hist.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEPS\tSTARTED\tDURATION")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.WorkflowID, r.Status, r.StepCount, r.StartedAt.Local().Format(time.DateTime), duration)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowID, "workflow", "", "only runs of this workflow id")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", store.DefaultListLimit, "maximum number of runs")
	return cmd
}
