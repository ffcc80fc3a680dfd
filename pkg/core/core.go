// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package core wires the kernel together: one event bus, one lifecycle
// manager, one plugin manager and one middleware manager, with manager
// events bridged onto the core bus so observers subscribe once at the top
// level.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/fathomlabs/keel/pkg/events"
	"github.com/fathomlabs/keel/pkg/lifecycle"
	"github.com/fathomlabs/keel/pkg/middleware"
	"github.com/fathomlabs/keel/pkg/plugin"
)

// CodeBadOptions is the error code for invalid Options. Failures during
// Start and Stop keep the code of the underlying plugin or hook error;
// the wrap only adds the phase.
const CodeBadOptions = "CORE_BAD_OPTIONS"

// PluginDesc declares a plugin registered at construction time.
type PluginDesc struct {
	Name   string
	Plugin plugin.Plugin
	Config plugin.Config
}

// LifecycleOptions tune the lifecycle manager.
type LifecycleOptions struct {
	// StartTimeout is the default timeout per start hook.
	StartTimeout time.Duration
	// StopTimeout is the default timeout per stop hook and bounds graceful
	// shutdown.
	StopTimeout time.Duration
	// GracefulShutdown installs a one-shot SIGINT/SIGTERM handler that
	// stops the core.
	GracefulShutdown bool
}

// Options configure a Core.
type Options struct {
	ServiceName string
	Version     string
	Environment string
	Plugins     []PluginDesc
	Lifecycle   LifecycleOptions
}

// Info is the read-only snapshot returned by Core.Info.
type Info struct {
	ServiceName string
	Version     string
	Environment string
	State       string
	Uptime      time.Duration
	Plugins     []string
	Config      Options
}

// Core owns one instance of each manager and defines the overall start and
// stop sequencing: plugins initialize before lifecycle start, and are
// destroyed after lifecycle stop, in reverse initialization order.
type Core struct {
	opts   Options
	logger *slog.Logger

	bus        *events.Bus
	life       *lifecycle.Manager
	plugins    *plugin.Manager
	mw         *middleware.Manager
	bridgeSubs []*events.Subscription

	mu             sync.Mutex
	startedAt      time.Time
	releaseSignals func()
}

var _ plugin.Host = (*Core)(nil)

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger handed to every manager and plugin context.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// New creates a Core and registers the plugins declared in opts. Nothing is
// initialized or started.
func New(opts Options, cfg ...Option) (*Core, error) {
	if opts.ServiceName == "" {
		return nil, oops.Code(CodeBadOptions).Errorf("service name is required")
	}
	if opts.Version == "" {
		return nil, oops.Code(CodeBadOptions).Errorf("version is required")
	}

	c := &Core{opts: opts}
	for _, o := range cfg {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("service", opts.ServiceName)

	c.bus = events.NewBus(events.WithLogger(c.logger))

	lifeOpts := []lifecycle.Option{lifecycle.WithLogger(c.logger)}
	if opts.Lifecycle.StartTimeout > 0 {
		lifeOpts = append(lifeOpts, lifecycle.WithStartTimeout(opts.Lifecycle.StartTimeout))
	}
	if opts.Lifecycle.StopTimeout > 0 {
		lifeOpts = append(lifeOpts, lifecycle.WithStopTimeout(opts.Lifecycle.StopTimeout))
	}
	c.life = lifecycle.NewManager(lifeOpts...)
	c.plugins = plugin.NewManager(
		plugin.WithLogger(c.logger),
		plugin.WithHost(c),
	)
	c.mw = middleware.NewManager(middleware.WithLogger(c.logger))

	c.bridge(c.life.Bus(), c.plugins.Bus(), c.mw.Bus())

	for _, desc := range opts.Plugins {
		if err := c.plugins.Register(desc.Name, desc.Plugin, desc.Config); err != nil {
			return nil, oops.
				With("plugin", desc.Name).
				Wrapf(err, "invalid plugin descriptor")
		}
	}

	return c, nil
}

// bridge re-emits every manager event onto the core bus. Event names are
// namespaced per manager, so observers can subscribe to "plugin.*" or a
// single name at the top level.
func (c *Core) bridge(buses ...*events.Bus) {
	for _, bus := range buses {
		sub, err := bus.OnPattern("*", func(_ context.Context, evt events.Event) error {
			c.bus.Emit(evt.Name, evt.Payload)
			return nil
		})
		if err != nil {
			// "*" always compiles; nothing to handle.
			continue
		}
		c.bridgeSubs = append(c.bridgeSubs, sub)
	}
}

// Start initializes all registered plugins, then runs the lifecycle start
// sequence. A plugin batch failure aborts before any start hook runs.
func (c *Core) Start(ctx context.Context) error {
	c.logger.Info("starting core",
		"version", c.opts.Version,
		"environment", c.opts.Environment)

	if err := c.plugins.InitializeAll(ctx); err != nil {
		return oops.
			With("phase", "plugins").
			Wrapf(err, "plugin initialization failed")
	}

	if err := c.life.Start(ctx); err != nil {
		return oops.
			With("phase", "lifecycle").
			Wrapf(err, "lifecycle start failed")
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	if c.opts.Lifecycle.GracefulShutdown && c.releaseSignals == nil {
		timeout := c.opts.Lifecycle.StopTimeout
		if timeout <= 0 {
			timeout = lifecycle.DefaultHookTimeout
		}
		c.releaseSignals = c.life.InterceptSignals(timeout)
	}
	c.mu.Unlock()

	c.logger.Info("core started")
	return nil
}

// Stop reverses Start: lifecycle stop hooks run first, then plugins are
// destroyed in reverse initialization order. Both phases are best-effort;
// their failures are joined.
func (c *Core) Stop(ctx context.Context) error {
	c.logger.Info("stopping core")

	var failures []error
	if err := c.life.Stop(ctx); err != nil {
		failures = append(failures, err)
	}
	if err := c.plugins.DestroyAll(ctx); err != nil {
		failures = append(failures, err)
	}

	c.mu.Lock()
	c.startedAt = time.Time{}
	if c.releaseSignals != nil {
		c.releaseSignals()
		c.releaseSignals = nil
	}
	c.mu.Unlock()

	if len(failures) > 0 {
		return oops.Wrapf(errors.Join(failures...), "core stop failed")
	}
	c.logger.Info("core stopped")
	return nil
}

// Restart is Stop then Start.
func (c *Core) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Ready reports whether the core reached the started state. Wire this to a
// readiness probe.
func (c *Core) Ready() bool {
	return c.life.State() == lifecycle.StateStarted
}

// Events returns the core bus carrying all bridged manager events.
func (c *Core) Events() *events.Bus { return c.bus }

// Lifecycle returns the lifecycle manager.
func (c *Core) Lifecycle() *lifecycle.Manager { return c.life }

// Plugins returns the plugin manager.
func (c *Core) Plugins() *plugin.Manager { return c.plugins }

// Middleware returns the middleware manager.
func (c *Core) Middleware() *middleware.Manager { return c.mw }

// Logger returns the core logger.
func (c *Core) Logger() *slog.Logger { return c.logger }

// GetPlugin returns the instance produced by an initialized plugin. It
// implements plugin.Host.
func (c *Core) GetPlugin(name string) (any, bool) {
	return c.plugins.Instance(name)
}

// Info returns a read-only snapshot of the core.
func (c *Core) Info() Info {
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	return Info{
		ServiceName: c.opts.ServiceName,
		Version:     c.opts.Version,
		Environment: c.opts.Environment,
		State:       c.life.State().String(),
		Uptime:      uptime,
		Plugins:     c.plugins.Plugins(),
		Config:      c.opts,
	}
}
