package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve workflow tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := c.newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			deps := mcp.ServerDeps{
				Runner:    rt.executor,
				Loader:    rt.loader,
				Providers: rt.registry,
				Logger:    c.logger,
				Version:   version,
			}
			if rt.history != nil {
				deps.History = rt.history
			}
			c.logger.Info("serving MCP on stdio", slog.Int("providers", len(rt.registry.List())))
			return mcp.NewServer(deps).Serve(ctx)
		},
	}
}
