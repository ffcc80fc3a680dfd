// Package xdg provides XDG Base Directory paths for keel hosts.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "keel"

// ConfigDir returns the XDG config directory for keel.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// StateDir returns the XDG state directory for keel.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "state")
	}
	return filepath.Join(base, appName)
}

// DefaultConfigPath returns the conventional location of the service config
// file, ConfigDir()/keel.yaml. The file may not exist.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "keel.yaml")
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
