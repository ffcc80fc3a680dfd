// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/keel/pkg/errutil"
)

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code("TEST_ERROR").
		With("key", "value").
		Errorf("something failed")

	errutil.LogError(logger, "operation failed", err)

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "ERROR", logEntry["level"])
	assert.Equal(t, "operation failed", logEntry["msg"])
	assert.Equal(t, "TEST_ERROR", logEntry["code"])
}

func TestLogError_WithUncodedOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.With("key", "value").Errorf("something failed")

	errutil.LogError(logger, "operation failed", err)

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "ERROR", logEntry["level"])
	assert.NotContains(t, logEntry, "code")
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := errors.New("standard error")

	errutil.LogError(logger, "operation failed", err)

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "ERROR", logEntry["level"])
	assert.Contains(t, logEntry["error"], "standard error")
}

func TestCode(t *testing.T) {
	assert.Equal(t, "MY_CODE", errutil.Code(oops.Code("MY_CODE").Errorf("test")))
	assert.Equal(t, "", errutil.Code(oops.With("key", "value").Errorf("uncoded")))
	assert.Equal(t, "", errutil.Code(errors.New("plain")))
	assert.Equal(t, "", errutil.Code(nil))
}

func TestCode_WrappedKeepsInnermost(t *testing.T) {
	inner := oops.Code("INNER").Errorf("root cause")
	outer := oops.With("phase", "stop").Wrapf(inner, "wrapped")
	assert.Equal(t, "INNER", errutil.Code(outer))
}

func TestHasCode(t *testing.T) {
	err := oops.Code("MY_CODE").Errorf("test")
	assert.True(t, errutil.HasCode(err, "MY_CODE"))
	assert.False(t, errutil.HasCode(err, "OTHER"))
	assert.False(t, errutil.HasCode(errors.New("plain"), "MY_CODE"))
}
