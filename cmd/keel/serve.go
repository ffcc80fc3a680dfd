// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/fathomlabs/keel/internal/logging"
	"github.com/fathomlabs/keel/internal/observability"
	"github.com/fathomlabs/keel/internal/xdg"
	"github.com/fathomlabs/keel/pkg/config"
	"github.com/fathomlabs/keel/pkg/core"
	"github.com/fathomlabs/keel/pkg/errutil"
	"github.com/fathomlabs/keel/pkg/plugin"
	"github.com/fathomlabs/keel/plugins/heartbeat"
)

// builtinPlugins maps config plugin names to constructors. Hosts embedding
// keel as a library register their own implementations instead.
var builtinPlugins = map[string]func() plugin.Plugin{
	"heartbeat": func() plugin.Plugin { return heartbeat.New() },
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a keel-hosted service",
		Long: `Start a service from a keel.yaml configuration: plugins are
registered and initialized, lifecycle start hooks run, and the process
serves until it receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(configFile), cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	// Flag defaults mirror config.Default(): an unchanged flag layered over
	// a file that omits the key must resolve to the same value the defaults
	// would give.
	defaults := config.Default()
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (default: $XDG_CONFIG_HOME/keel/keel.yaml)")
	cmd.Flags().String("service.name", "", "service name")
	cmd.Flags().String("service.version", "", "service version")
	cmd.Flags().String("service.environment", "", "deployment environment")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("observability.metrics_addr", defaults.Observability.MetricsAddr, "metrics/health HTTP address (empty = disabled)")

	return cmd
}

// resolveConfigPath falls back to the XDG config location when no file was
// given and one exists there. An empty result means flags-only configuration.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path := xdg.DefaultConfigPath(); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.Setup(cfg.Service.Name, cfg.Service.Version, cfg.Log.Format, cfg.Log.Level, nil)
	slog.SetDefault(logger)

	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}

	c, err := core.New(opts, core.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Observability.MetricsAddr != "" {
		obs := observability.NewServer(cfg.Observability.MetricsAddr, c.Ready)
		c.Lifecycle().OnStart("observability-server", func(context.Context) error {
			errCh, err := obs.Start()
			if err != nil {
				return err
			}
			go func() {
				if serveErr := <-errCh; serveErr != nil {
					errutil.LogError(logger, "observability server failed", serveErr)
					cancel()
				}
			}()
			return nil
		})
		c.Lifecycle().OnStop("observability-server", obs.Stop)
	}

	if err := c.Start(ctx); err != nil {
		errutil.LogError(logger, "startup failed", err)
		return err
	}

	logger.Info("service ready",
		"environment", cfg.Service.Environment,
		"plugins", c.Plugins().InitializedPlugins())

	<-ctx.Done()
	logger.Info("shutting down")

	stopTimeout := cfg.Lifecycle.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	if err := c.Stop(stopCtx); err != nil {
		errutil.LogError(logger, "shutdown failed", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// buildOptions maps the file configuration onto core options, resolving
// plugin names against the builtin registry.
func buildOptions(cfg config.Config) (core.Options, error) {
	opts := core.Options{
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Environment: cfg.Service.Environment,
		Lifecycle: core.LifecycleOptions{
			StartTimeout: cfg.Lifecycle.StartTimeout,
			StopTimeout:  cfg.Lifecycle.StopTimeout,
			// serve handles signals itself so shutdown and process exit
			// stay coupled.
			GracefulShutdown: false,
		},
	}

	for _, pc := range cfg.Plugins {
		factory, ok := builtinPlugins[pc.Name]
		if !ok {
			return core.Options{}, oops.Code(config.CodeInvalidConfig).
				With("plugin", pc.Name).
				With("known", pluginNames()).
				Errorf("unknown plugin %q", pc.Name)
		}
		opts.Plugins = append(opts.Plugins, core.PluginDesc{
			Name:   pc.Name,
			Plugin: factory(),
			Config: plugin.Config{
				Enabled: pc.IsEnabled(),
				Options: plugin.Options(pc.Options),
			},
		})
	}
	return opts, nil
}

func pluginNames() []string {
	names := make([]string, 0, len(builtinPlugins))
	for name := range builtinPlugins {
		names = append(names, name)
	}
	return names
}
