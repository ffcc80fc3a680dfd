// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for plugin lifecycle metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Initializations is the counter for plugin initialization attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var Initializations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keel_plugin_initializations_total",
		Help: "Total number of plugin initialization attempts",
	},
	[]string{"plugin", "status"},
)

// Destructions is the counter for plugin destruction attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var Destructions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keel_plugin_destructions_total",
		Help: "Total number of plugin destruction attempts",
	},
	[]string{"plugin", "status"},
)

// InitDuration is the histogram for plugin initialization duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var InitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "keel_plugin_init_duration_seconds",
		Help:    "Plugin initialization duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin"},
)

// RegisterMetrics registers plugin package metrics with the given Prometheus
// registry. Panics if registration fails.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Initializations)
	reg.MustRegister(Destructions)
	reg.MustRegister(InitDuration)
}
