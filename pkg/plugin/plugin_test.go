// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_TypedAccessors(t *testing.T) {
	opts := Options{
		"name":     "keel",
		"debug":    true,
		"limit":    42,
		"limit64":  int64(7),
		"ratio":    3.0,
		"interval": "250ms",
		"raw":      500 * time.Millisecond,
	}

	assert.Equal(t, "keel", opts.GetString("name", "fallback"))
	assert.Equal(t, "fallback", opts.GetString("missing", "fallback"))
	assert.Equal(t, "fallback", opts.GetString("debug", "fallback"))

	assert.True(t, opts.GetBool("debug", false))
	assert.False(t, opts.GetBool("missing", false))

	assert.Equal(t, 42, opts.GetInt("limit", 0))
	assert.Equal(t, 7, opts.GetInt("limit64", 0))
	assert.Equal(t, 3, opts.GetInt("ratio", 0))
	assert.Equal(t, 9, opts.GetInt("missing", 9))

	assert.Equal(t, 250*time.Millisecond, opts.GetDuration("interval", time.Second))
	assert.Equal(t, 500*time.Millisecond, opts.GetDuration("raw", time.Second))
	assert.Equal(t, time.Second, opts.GetDuration("missing", time.Second))
	assert.Equal(t, time.Second, opts.GetDuration("name", time.Second))
}

func TestOptions_Merge(t *testing.T) {
	base := Options{"a": 1, "b": 2}
	merged := base.Merge(Options{"b": 3, "c": 4})

	assert.Equal(t, Options{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, Options{"a": 1, "b": 2}, base, "inputs must not be mutated")
}

func TestOptions_Clone(t *testing.T) {
	base := Options{"a": 1}
	clone := base.Clone()
	clone["a"] = 2

	assert.Equal(t, 1, base["a"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.NotNil(t, cfg.Options)
}
