package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rendis/toolflow/internal/definition"
	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/providers"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
)

// runtime is the wired set of components a command works with.
type runtime struct {
	registry *providers.Registry
	loader   *definition.Loader
	executor *engine.Executor
	history  *store.LibSQLStore // nil when history is disabled
	hub      *streaming.MemoryHub
	watched  chan struct{} // closed when the event logger exits; nil if none
	logger   *slog.Logger
}

// newRuntime registers every configured provider, starts them, and builds the
// loader and executor on top. withHistory opens the run history database.
func (c *cli) newRuntime(ctx context.Context, withHistory bool) (*runtime, error) {
	rt := &runtime{
		registry: providers.NewRegistry(c.cfg.Breaker.BreakerConfig(), c.logger),
		logger:   c.logger,
	}

	if err := c.registerProviders(rt.registry); err != nil {
		return nil, err
	}
	if err := rt.registry.Start(ctx); err != nil {
		_ = rt.registry.Close()
		return nil, err
	}

	loader, err := definition.NewLoader(rt.registry)
	if err != nil {
		_ = rt.registry.Close()
		return nil, err
	}
	rt.loader = loader

	rt.hub = streaming.NewMemoryHub()
	execCfg := engine.ExecutorConfig{PoolSize: c.cfg.PoolSize, Logger: c.logger, Hub: rt.hub}
	if withHistory {
		hist, err := c.openHistory(ctx)
		if err != nil {
			_ = rt.registry.Close()
			return nil, err
		}
		if hist != nil {
			rt.history = hist
			execCfg.Recorder = hist
		}
	}
	rt.executor = engine.NewExecutor(rt.registry, execCfg)
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		if err := rt.logEvents(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (c *cli) registerProviders(reg *providers.Registry) error {
	if err := reg.Register(providers.NewCoreProvider()); err != nil {
		return err
	}

	names := make([]string, 0, len(c.cfg.Webhooks))
	for name := range c.cfg.Webhooks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := reg.Register(providers.NewWebhookProvider(name, c.cfg.Webhooks[name])); err != nil {
			return err
		}
	}

	for _, srv := range c.cfg.MCPServers {
		if err := reg.Register(providers.NewMCPProvider(srv.Name, providers.StdioDialer(srv))); err != nil {
			return err
		}
	}
	c.logger.Debug("providers registered",
		slog.Int("webhooks", len(names)), slog.Int("mcp_servers", len(c.cfg.MCPServers)))
	return nil
}

// openHistory opens the configured history database, or returns nil when
// history is disabled.
func (c *cli) openHistory(ctx context.Context) (*store.LibSQLStore, error) {
	path := strings.TrimSpace(c.cfg.HistoryDB)
	if path == "" {
		return nil, nil
	}
	file := strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	return store.OpenLibSQLStore(ctx, path)
}

// logEvents traces every run event at debug level until the hub closes.
func (rt *runtime) logEvents(ctx context.Context) error {
	events, _, err := rt.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	rt.watched = make(chan struct{})
	go func() {
		defer close(rt.watched)
		for ev := range events {
			rt.logger.Debug("run event",
				slog.String("run_id", ev.RunID),
				slog.String("workflow_id", ev.WorkflowID),
				slog.String("step_id", ev.StepID),
				slog.String("type", ev.EventType),
				slog.Int64("seq", ev.Sequence))
		}
	}()
	return nil
}

// Close stops the executor and releases providers and the history database.
func (rt *runtime) Close() error {
	rt.executor.Close()
	rt.hub.Close()
	if rt.watched != nil {
		<-rt.watched
	}
	pool := rt.executor.PoolStats()
	rt.logger.Debug("runtime closed",
		slog.Int64("steps_completed", pool.Completed),
		slog.Int64("step_panics", pool.Panics),
		slog.Uint64("events_dropped", rt.hub.Stats().Dropped))
	errs := []error{rt.registry.Close()}
	if rt.history != nil {
		errs = append(errs, rt.history.Close())
	}
	return errors.Join(errs...)
}
