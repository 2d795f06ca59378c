package main

import (
	"encoding/json"
	"log/slog"
	"maps"

	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/internal/definition"
	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		pairs      []string
		inputsFile string
		stream     bool
	)
	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Execute a workflow and print the finished run as JSON",
		Long: `Execute a workflow definition. Inputs come from --inputs-file and
--input key=value pairs, the latter taking precedence. The process exits
with status 1 unless the run succeeded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := map[string]any{}
			if inputsFile != "" {
				fromFile, err := definition.LoadInputsFile(inputsFile)
				if err != nil {
					return err
				}
				maps.Copy(inputs, fromFile)
			}
			fromFlags, err := definition.ParseInputs(pairs)
			if err != nil {
				return err
			}
			maps.Copy(inputs, fromFlags)

			ctx := cmd.Context()
			rt, err := c.newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			def, err := rt.loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			prepared, err := rt.loader.Prepare(def, inputs)
			if err != nil {
				return err
			}
			handle, err := rt.executor.Stream(ctx, prepared, inputs)
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			for ev := range handle.Updates() {
				if stream {
					if err := out.Encode(ev); err != nil {
						return err
					}
				}
			}
			run := handle.Wait()

			if !stream {
				out.SetIndent("", "  ")
			}
			if err := out.Encode(run); err != nil {
				return err
			}

			summary := engine.Summary(run)
			c.logger.Info("run finished", slog.String("run_id", run.ID), slog.String("summary", summary))
			if run.Status != schema.RunStatusSucceeded {
				return &exitError{code: 1, msg: summary}
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "input", "i", nil, "run input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "YAML or JSON file with run inputs")
	cmd.Flags().BoolVar(&stream, "stream", false, "print every run event as a JSON line before the run")
	return cmd
}
