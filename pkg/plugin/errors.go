// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package plugin

import (
	"github.com/samber/oops"
)

// Error codes for plugin registry failures.
const (
	CodeEmptyName     = "PLUGIN_NAME_EMPTY"
	CodeNilPlugin     = "PLUGIN_NIL"
	CodeBadVersion    = "PLUGIN_BAD_VERSION"
	CodeAlreadyExists = "PLUGIN_EXISTS"
	CodeNotFound      = "PLUGIN_NOT_FOUND"
	CodeStillActive   = "PLUGIN_STILL_ACTIVE"
	CodeInitFailed    = "PLUGIN_INIT_FAILED"
	CodeDestroyFailed = "PLUGIN_DESTROY_FAILED"
)

// ErrEmptyName creates the error for registration without a name.
func ErrEmptyName() error {
	return oops.Code(CodeEmptyName).
		Errorf("plugin name must not be empty")
}

// ErrNilPlugin creates the error for registering a nil plugin.
func ErrNilPlugin(name string) error {
	return oops.Code(CodeNilPlugin).
		With("plugin", name).
		Errorf("plugin %q has no initializer", name)
}

// ErrBadVersion creates the error for a version that is not valid semver.
func ErrBadVersion(name, version string, cause error) error {
	return oops.Code(CodeBadVersion).
		With("plugin", name).
		With("version", version).
		Wrapf(cause, "plugin %q version %q is not valid semver", name, version)
}

// ErrAlreadyExists creates the error for a duplicate registration.
func ErrAlreadyExists(name string) error {
	return oops.Code(CodeAlreadyExists).
		With("plugin", name).
		Errorf("plugin %q is already registered", name)
}

// ErrNotFound creates the error for an unknown plugin name.
func ErrNotFound(name string) error {
	return oops.Code(CodeNotFound).
		With("plugin", name).
		Errorf("plugin %q is not registered", name)
}

// ErrStillActive creates the error for unregistering an initialized plugin.
func ErrStillActive(name string) error {
	return oops.Code(CodeStillActive).
		With("plugin", name).
		Errorf("plugin %q is initialized; destroy it before unregistering", name)
}

// ErrInitFailed wraps an initializer failure with the plugin name and phase.
func ErrInitFailed(name string, cause error) error {
	return oops.Code(CodeInitFailed).
		With("plugin", name).
		With("phase", "initialize").
		Wrapf(cause, "plugin %q failed to initialize", name)
}

// ErrDestroyFailed wraps a destructor failure with the plugin name and phase.
func ErrDestroyFailed(name string, cause error) error {
	return oops.Code(CodeDestroyFailed).
		With("plugin", name).
		With("phase", "destroy").
		Wrapf(cause, "plugin %q failed to destroy", name)
}

// ErrBatchFailed aggregates per-plugin failures from InitializeAll or
// DestroyAll into one error listing the failed names. The per-plugin error
// codes stay resolvable through the wrap.
func ErrBatchFailed(phase string, names []string, cause error) error {
	return oops.
		With("phase", phase).
		With("plugins", names).
		Wrapf(cause, "%d plugin(s) failed during %s: %v", len(names), phase, names)
}
