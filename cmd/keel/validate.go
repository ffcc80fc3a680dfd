// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fathomlabs/keel/pkg/config"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a keel configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path) //nolint:gosec // path is an explicit CLI argument
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}

			if err := config.ValidateSchema(data); err != nil {
				return fmt.Errorf("%s: %s", path, config.FormatSchemaError(err))
			}

			// Schema passes; run the semantic checks too.
			if _, err := config.Load(path, nil); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			cmd.Printf("%s is valid\n", path)
			return nil
		},
	}
}
