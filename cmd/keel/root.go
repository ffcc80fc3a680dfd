// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the keel CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keel",
		Short: "Keel - a service orchestration kernel",
		Long: `Keel hosts a service built from plugins and middleware, driving
its lifecycle through ordered, timeout-bound start and stop hooks.`,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewValidateCmd())

	return cmd
}
