// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package plugin provides the extension registry: named plugins with
// ordered initialization, reverse-order destruction and rollback-friendly
// batch semantics.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/fathomlabs/keel/pkg/events"
)

// Plugin is the contract every extension implements. Initialize is invoked
// with the host context and returns the produced instance, which the manager
// exposes to other plugins by reference.
type Plugin interface {
	Name() string
	Version() string
	Initialize(ctx context.Context, host *Context) (any, error)
}

// Destroyer is the optional teardown capability. Plugins without it are
// simply dropped from the initialized set on destroy.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Host is the narrow view of the composition root handed to plugins.
type Host interface {
	// GetPlugin returns the produced instance of an initialized plugin.
	GetPlugin(name string) (any, bool)
	// Events returns the host's event bus.
	Events() *events.Bus
}

// Context is handed to a plugin's Initialize. It stays attached to the
// plugin for its whole lifetime; config updates are reflected in place.
type Context struct {
	Core   Host
	Config Config
	Logger *slog.Logger
}

// Config is the per-plugin configuration record.
type Config struct {
	// Enabled gates initialization. Disabled plugins stay registered but
	// inert.
	Enabled bool
	Options Options
}

// DefaultConfig returns an enabled config with empty options.
func DefaultConfig() Config {
	return Config{Enabled: true, Options: Options{}}
}

// Options is a free-form key-value store with typed accessors for
// plugin-supplied settings.
type Options map[string]any

// GetString returns the string at key, or def when absent or mistyped.
func (o Options) GetString(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// GetBool returns the bool at key, or def when absent or mistyped.
func (o Options) GetBool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// GetInt returns the int at key, or def when absent or mistyped. Values
// decoded from YAML/JSON as float64 or int64 are converted.
func (o Options) GetInt(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetDuration returns the duration at key, accepting time.Duration values
// or duration strings, or def otherwise.
func (o Options) GetDuration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Merge overlays other onto a copy of o and returns the result. Neither
// input is mutated.
func (o Options) Merge(other Options) Options {
	merged := make(Options, len(o)+len(other))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy of o.
func (o Options) Clone() Options {
	return Options{}.Merge(o)
}
