// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCmd_ValidFile(t *testing.T) {
	path := writeTempConfig(t, `
service:
  name: api
  version: 1.0.0
`)

	cmd := NewValidateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "is valid")
}

func TestValidateCmd_InvalidSchema(t *testing.T) {
	path := writeTempConfig(t, `
service:
  name: 42
  version: 1.0.0
`)

	cmd := NewValidateCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{path})

	require.Error(t, cmd.Execute())
}

func TestValidateCmd_SemanticError(t *testing.T) {
	// Schema-valid but fails semantic validation: bad log format.
	path := writeTempConfig(t, `
service:
  name: api
  version: 1.0.0
log:
  format: xml
`)

	cmd := NewValidateCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{path})

	require.Error(t, cmd.Execute())
}

func TestValidateCmd_MissingFile(t *testing.T) {
	cmd := NewValidateCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "absent.yaml")})

	require.Error(t, cmd.Execute())
}
