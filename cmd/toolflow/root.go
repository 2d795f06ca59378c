package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/toolflow/internal/config"
	"github.com/rendis/toolflow/internal/logging"
)

// Set by the release build.
var version = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:   "toolflow",
		Short: "Run multi-step workflows across tool providers",
		Long: `toolflow executes workflow definitions: a DAG of steps, each calling an
action on a tool provider (built-in core actions, webhooks, or MCP servers).
Steps run in dependency order, in parallel when allowed, with retries,
conditions, and continue/stop/rollback error policies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if cfg.File != "" {
				c.logger.Debug("config loaded", slog.String("file", cfg.File))
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: ./toolflow.yaml, then ~/.toolflow/toolflow.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: json or text")
	flags.Int("pool-size", 10, "maximum concurrently running steps")
	flags.String("history-db", "", "libSQL file for run history, default ~/.toolflow/history.db (\"\" disables it)")

	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("pool_size", flags.Lookup("pool-size"))
	_ = c.v.BindPFlag("history_db", flags.Lookup("history-db"))

	root.AddCommand(
		newRunCmd(c),
		newValidateCmd(c),
		newPlanCmd(c),
		newHistoryCmd(c),
		newServeCmd(c),
	)
	return root
}
