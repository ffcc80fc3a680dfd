// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package config loads the service configuration from a YAML file layered
// under command-line flags, with JSON-schema validation of the file before
// it is decoded.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Error codes for configuration failures.
const (
	CodeLoadFailed    = "CONFIG_LOAD_FAILED"
	CodeInvalidConfig = "CONFIG_INVALID"
)

// Service identifies the hosted service.
type Service struct {
	Name        string `koanf:"name" json:"name"`
	Version     string `koanf:"version" json:"version"`
	Environment string `koanf:"environment" json:"environment,omitempty"`
}

// Lifecycle tunes startup and shutdown behavior.
type Lifecycle struct {
	StartTimeout     time.Duration `koanf:"start_timeout" json:"start_timeout,omitempty" jsonschema:"oneof_type=string;integer"`
	StopTimeout      time.Duration `koanf:"stop_timeout" json:"stop_timeout,omitempty" jsonschema:"oneof_type=string;integer"`
	GracefulShutdown bool          `koanf:"graceful_shutdown" json:"graceful_shutdown,omitempty"`
}

// Plugin declares one plugin to register at startup. The host maps Name to
// a concrete implementation; Options are passed through to the plugin.
type Plugin struct {
	Name    string         `koanf:"name" json:"name"`
	Enabled *bool          `koanf:"enabled" json:"enabled,omitempty"`
	Options map[string]any `koanf:"options" json:"options,omitempty"`
}

// IsEnabled reports the enabled flag, defaulting to true when unset.
func (p Plugin) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Log configures the structured logger.
type Log struct {
	Format string `koanf:"format" json:"format,omitempty"` // "json" or "text"
	Level  string `koanf:"level" json:"level,omitempty"`
}

// Observability configures the metrics/health HTTP server.
type Observability struct {
	// MetricsAddr is the listen address; empty disables the server.
	MetricsAddr string `koanf:"metrics_addr" json:"metrics_addr,omitempty"`
}

// Config is the full service configuration file.
type Config struct {
	Service       Service       `koanf:"service" json:"service"`
	Lifecycle     Lifecycle     `koanf:"lifecycle" json:"lifecycle,omitempty"`
	Plugins       []Plugin      `koanf:"plugins" json:"plugins,omitempty"`
	Log           Log           `koanf:"log" json:"log,omitempty"`
	Observability Observability `koanf:"observability" json:"observability,omitempty"`
}

// Default returns the configuration defaults applied under any file or
// flag values.
func Default() Config {
	return Config{
		Lifecycle: Lifecycle{
			StartTimeout:     30 * time.Second,
			StopTimeout:      30 * time.Second,
			GracefulShutdown: true,
		},
		Log: Log{
			Format: "json",
			Level:  "info",
		},
		Observability: Observability{
			MetricsAddr: "127.0.0.1:9100",
		},
	}
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return oops.Code(CodeInvalidConfig).Errorf("service.name is required")
	}
	if c.Service.Version == "" {
		return oops.Code(CodeInvalidConfig).Errorf("service.version is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code(CodeInvalidConfig).
			With("format", c.Log.Format).
			Errorf("log.format must be 'json' or 'text'")
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.Name == "" {
			return oops.Code(CodeInvalidConfig).Errorf("plugin name must not be empty")
		}
		if seen[p.Name] {
			return oops.Code(CodeInvalidConfig).
				With("plugin", p.Name).
				Errorf("duplicate plugin %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Load reads the configuration: defaults, overlaid by the YAML file at path
// (when non-empty), overlaid by any flags changed on flags (when non-nil).
// The file is schema-validated before decoding.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		raw, err := file.Provider(path).ReadBytes()
		if err != nil {
			return Config{}, oops.Code(CodeLoadFailed).
				With("path", path).
				Wrapf(err, "cannot read config file")
		}
		if err := ValidateSchema(raw); err != nil {
			return Config{}, oops.Code(CodeInvalidConfig).
				With("path", path).
				Wrapf(err, "config file failed schema validation")
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code(CodeLoadFailed).
				With("path", path).
				Wrapf(err, "cannot parse config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code(CodeLoadFailed).
				Wrapf(err, "cannot load flags")
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code(CodeLoadFailed).
			Wrapf(err, "cannot decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
