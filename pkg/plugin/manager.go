// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/fathomlabs/keel/pkg/events"
)

// Event names emitted on the manager's bus.
const (
	EventRegistered    = "plugin.registered"
	EventUnregistered  = "plugin.unregistered"
	EventSkipped       = "plugin.skipped"
	EventInitializing  = "plugin.initializing"
	EventInitialized   = "plugin.initialized"
	EventError         = "plugin.error"
	EventDestroying    = "plugin.destroying"
	EventDestroyed     = "plugin.destroyed"
	EventEnabled       = "plugin.enabled"
	EventDisabled      = "plugin.disabled"
	EventConfigUpdated = "plugin.configUpdated"
)

// Info is the payload of registration and lifecycle events.
type Info struct {
	Name    string
	Version string
}

// Failure is the payload of EventError.
type Failure struct {
	Name  string
	Phase string
	Err   error
}

// ConfigChange is the payload of EventConfigUpdated.
type ConfigChange struct {
	Name string
	Old  Options
	New  Options
}

// record is the manager's bookkeeping for one registered plugin. The
// manager owns records exclusively; the produced instance is exposed by
// reference but its lifetime is bound to the record.
type record struct {
	plugin      Plugin
	config      Config
	pctx        *Context
	initialized bool
	instance    any
}

// Manager is the plugin registry. It never auto-initializes: Register and
// Initialize are separate steps so the host controls ordering.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger
	host   Host

	mu      sync.RWMutex
	records map[string]*record
	// registration lists names in registration order; InitializeAll walks
	// it so plugins can depend on earlier-registered plugins.
	registration []string
	// order lists initialized plugin names in initialization order and
	// drives reverse-order destruction.
	order []string
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithBus sets the bus manager events are emitted on.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithHost sets the host exposed to plugins through their context.
func WithHost(host Host) ManagerOption {
	return func(m *Manager) { m.host = host }
}

// NewManager creates a plugin manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.bus == nil {
		m.bus = events.NewBus(events.WithLogger(m.logger))
	}
	return m
}

// Bus returns the bus manager events are emitted on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// On delegates to the manager's bus.
func (m *Manager) On(event string, handler events.Handler) *events.Subscription {
	return m.bus.On(event, handler)
}

// Off delegates to the manager's bus.
func (m *Manager) Off(sub *events.Subscription) { m.bus.Off(sub) }

// Register adds a plugin under a unique name. It fails on an empty name, a
// nil plugin, a version that is not valid semver, or a duplicate name. The
// plugin is not initialized.
func (m *Manager) Register(name string, p Plugin, cfg Config) error {
	if name == "" {
		return ErrEmptyName()
	}
	if p == nil {
		return ErrNilPlugin(name)
	}
	if v := p.Version(); v != "" {
		if _, err := semver.NewVersion(v); err != nil {
			return ErrBadVersion(name, v, err)
		}
	}
	if cfg.Options == nil {
		cfg.Options = Options{}
	}

	m.mu.Lock()
	if _, exists := m.records[name]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists(name)
	}
	m.records[name] = &record{
		plugin: p,
		config: cfg,
		pctx: &Context{
			Core:   m.host,
			Config: cfg,
			Logger: m.logger.With("plugin", name),
		},
	}
	m.registration = append(m.registration, name)
	m.mu.Unlock()

	m.logger.Debug("plugin registered", "plugin", name, "version", p.Version())
	m.bus.Emit(EventRegistered, Info{Name: name, Version: p.Version()})
	return nil
}

// Unregister removes a plugin from the registry. An initialized plugin must
// be destroyed first; unregistering an unknown or non-initialized plugin is
// a safe no-op.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	if rec.initialized {
		m.mu.Unlock()
		return ErrStillActive(name)
	}
	delete(m.records, name)
	m.registration = slices.DeleteFunc(m.registration, func(n string) bool { return n == name })
	m.mu.Unlock()

	m.bus.Emit(EventUnregistered, Info{Name: name, Version: rec.plugin.Version()})
	return nil
}

// Initialize runs a plugin's initializer with its context and records the
// produced instance. Already-initialized plugins are a no-op; disabled
// plugins emit EventSkipped and stay inert. A failure emits EventError and
// returns a wrapped error carrying the plugin name.
func (m *Manager) Initialize(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound(name)
	}
	if rec.initialized {
		m.mu.Unlock()
		return nil
	}
	if !rec.config.Enabled {
		m.mu.Unlock()
		Initializations.WithLabelValues(name, StatusSkipped).Inc()
		m.logger.Debug("plugin disabled, skipping", "plugin", name)
		m.bus.Emit(EventSkipped, Info{Name: name, Version: rec.plugin.Version()})
		return nil
	}
	m.mu.Unlock()

	m.bus.Emit(EventInitializing, Info{Name: name, Version: rec.plugin.Version()})
	start := time.Now()

	// The record lock is released here: an initializer may look up
	// instances of earlier-initialized plugins through the host.
	instance, err := m.invokeInit(ctx, rec)
	InitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		Initializations.WithLabelValues(name, StatusError).Inc()
		wrapped := ErrInitFailed(name, err)
		m.bus.Emit(EventError, Failure{Name: name, Phase: "initialize", Err: wrapped})
		return wrapped
	}

	m.mu.Lock()
	rec.initialized = true
	rec.instance = instance
	m.order = append(m.order, name)
	m.mu.Unlock()

	Initializations.WithLabelValues(name, StatusSuccess).Inc()
	m.logger.Info("plugin initialized",
		"plugin", name,
		"version", rec.plugin.Version(),
		"duration", time.Since(start))
	m.bus.Emit(EventInitialized, Info{Name: name, Version: rec.plugin.Version()})
	return nil
}

// invokeInit runs the initializer, converting a panic into an error.
func (m *Manager) invokeInit(ctx context.Context, rec *record) (instance any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer panic: %v", r)
			m.logger.Error("plugin initializer panicked",
				"plugin", rec.plugin.Name(),
				"panic", r)
		}
	}()
	return rec.plugin.Initialize(ctx, rec.pctx)
}

// InitializeAll initializes every registered plugin sequentially in
// registration order, so a plugin may assume earlier-registered plugins are
// already initialized. Failures are collected per plugin and do not stop
// iteration; they are surfaced as one aggregate error.
func (m *Manager) InitializeAll(ctx context.Context) error {
	var (
		failedNames []string
		failures    []error
	)
	for _, name := range m.registrationOrder() {
		if err := m.Initialize(ctx, name); err != nil {
			failedNames = append(failedNames, name)
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return ErrBatchFailed("initialize", failedNames, errors.Join(failures...))
	}
	return nil
}

// Destroy tears one plugin down: the destructor runs if the plugin has one,
// the instance is dropped and the name leaves the initialization order.
// Destroying a non-initialized or unknown plugin is a no-op.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists || !rec.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.bus.Emit(EventDestroying, Info{Name: name, Version: rec.plugin.Version()})

	if err := m.invokeDestroy(ctx, rec); err != nil {
		Destructions.WithLabelValues(name, StatusError).Inc()
		wrapped := ErrDestroyFailed(name, err)
		m.bus.Emit(EventError, Failure{Name: name, Phase: "destroy", Err: wrapped})
		return wrapped
	}

	m.mu.Lock()
	rec.initialized = false
	rec.instance = nil
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.mu.Unlock()

	Destructions.WithLabelValues(name, StatusSuccess).Inc()
	m.logger.Info("plugin destroyed", "plugin", name)
	m.bus.Emit(EventDestroyed, Info{Name: name, Version: rec.plugin.Version()})
	return nil
}

// invokeDestroy runs the destructor, converting a panic into an error.
func (m *Manager) invokeDestroy(ctx context.Context, rec *record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destructor panic: %v", r)
			m.logger.Error("plugin destructor panicked",
				"plugin", rec.plugin.Name(),
				"panic", r)
		}
	}()
	d, ok := rec.plugin.(Destroyer)
	if !ok {
		return nil
	}
	return d.Destroy(ctx)
}

// DestroyAll destroys initialized plugins sequentially in the exact reverse
// of initialization order, with the same accumulate-and-continue policy as
// InitializeAll.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.RLock()
	reversed := make([]string, len(m.order))
	for i, name := range m.order {
		reversed[len(m.order)-1-i] = name
	}
	m.mu.RUnlock()

	var (
		failedNames []string
		failures    []error
	)
	for _, name := range reversed {
		if err := m.Destroy(ctx, name); err != nil {
			failedNames = append(failedNames, name)
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return ErrBatchFailed("destroy", failedNames, errors.Join(failures...))
	}
	return nil
}

// Enable marks a plugin enabled and initializes it. Enabling an
// already-enabled, initialized plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound(name)
	}
	if rec.config.Enabled && rec.initialized {
		m.mu.Unlock()
		return nil
	}
	rec.config.Enabled = true
	rec.pctx.Config.Enabled = true
	m.mu.Unlock()

	m.bus.Emit(EventEnabled, Info{Name: name, Version: rec.plugin.Version()})
	return m.Initialize(ctx, name)
}

// Disable marks a plugin disabled and destroys it if initialized. Disabling
// an already-disabled plugin is a no-op.
func (m *Manager) Disable(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound(name)
	}
	if !rec.config.Enabled {
		m.mu.Unlock()
		return nil
	}
	rec.config.Enabled = false
	rec.pctx.Config.Enabled = false
	wasInitialized := rec.initialized
	m.mu.Unlock()

	m.bus.Emit(EventDisabled, Info{Name: name, Version: rec.plugin.Version()})
	if wasInitialized {
		return m.Destroy(ctx, name)
	}
	return nil
}

// UpdateConfig merges new options into both the stored config and the live
// plugin context, emitting old and new snapshots.
func (m *Manager) UpdateConfig(name string, opts Options) error {
	m.mu.Lock()
	rec, exists := m.records[name]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound(name)
	}
	old := rec.config.Options.Clone()
	rec.config.Options = rec.config.Options.Merge(opts)
	rec.pctx.Config.Options = rec.config.Options
	updated := rec.config.Options.Clone()
	m.mu.Unlock()

	m.bus.Emit(EventConfigUpdated, ConfigChange{Name: name, Old: old, New: updated})
	return nil
}

// Get returns the registered plugin by name.
func (m *Manager) Get(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.records[name]
	if !exists {
		return nil, false
	}
	return rec.plugin, true
}

// Instance returns the instance produced by an initialized plugin.
func (m *Manager) Instance(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.records[name]
	if !exists || !rec.initialized {
		return nil, false
	}
	return rec.instance, true
}

// IsInitialized reports whether the named plugin is initialized.
func (m *Manager) IsInitialized(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.records[name]
	return exists && rec.initialized
}

// Config returns a snapshot of a plugin's config.
func (m *Manager) Config(name string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.records[name]
	if !exists {
		return Config{}, false
	}
	cfg := rec.config
	cfg.Options = rec.config.Options.Clone()
	return cfg, true
}

// Plugins returns the sorted names of all registered plugins.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitializedPlugins returns the initialized plugin names in initialization
// order.
func (m *Manager) InitializedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// registrationOrder returns registered names in registration order.
func (m *Manager) registrationOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.registration)
}
