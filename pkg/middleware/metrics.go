// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for chain execution metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ChainExecutions is the counter for chain executions.
// Use RegisterMetrics to register this with a Prometheus registry.
var ChainExecutions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keel_middleware_chain_executions_total",
		Help: "Total number of middleware chain executions",
	},
	[]string{"status"},
)

// ChainDuration is the histogram for chain execution duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var ChainDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "keel_middleware_chain_duration_seconds",
		Help:    "Middleware chain execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"},
)

// HandlerDuration is the histogram for per-handler execution duration,
// including everything after the handler's call to next returns.
// Use RegisterMetrics to register this with a Prometheus registry.
var HandlerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "keel_middleware_handler_duration_seconds",
		Help:    "Middleware handler execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"middleware"},
)

// RegisterMetrics registers middleware package metrics with the given
// Prometheus registry. Panics if registration fails.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ChainExecutions)
	reg.MustRegister(ChainDuration)
	reg.MustRegister(HandlerDuration)
}
