// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Package metrics exposes Prometheus instrumentation for the HTTP API, the
// WebSocket hub, the expiration sweeper, and the store circuit breaker. The
// reconciliation queue registers its own collectors; everything is served
// from the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API metrics.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepool_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ridepool_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridepool_api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"limiter"}, // "read", "mutation"
	)

	// Sweep metrics.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ridepool_sweep_duration_seconds",
			Help:    "Duration of expiration sweeps in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	SweepGroupsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepool_sweep_groups_deleted_total",
			Help: "Total number of expired groups deleted by the sweeper",
		},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepool_sweep_errors_total",
			Help: "Total number of per-group delete failures during sweeps",
		},
	)

	SweepLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridepool_sweep_last_success_timestamp",
			Help: "Unix timestamp of the last completed sweep",
		},
	)

	// WebSocket metrics.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridepool_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepool_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridepool_websocket_messages_dropped_total",
			Help: "Total number of messages dropped due to saturated clients",
		},
	)

	// Circuit breaker metrics.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ridepool_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordAPIRequest records one served request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRateLimitHit records a 429 rejection from one of the limiters.
func RecordRateLimitHit(limiter string) {
	APIRateLimitHits.WithLabelValues(limiter).Inc()
}

// RecordSweep records a completed sweep pass.
func RecordSweep(duration time.Duration, deleted, errors int) {
	SweepDuration.Observe(duration.Seconds())
	SweepGroupsDeleted.Add(float64(deleted))
	SweepErrors.Add(float64(errors))
	SweepLastSuccess.Set(float64(time.Now().Unix()))
}

// SetBreakerState maps a gobreaker state name onto the gauge encoding.
func SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}
