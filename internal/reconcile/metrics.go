// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridepool_reconcile_enqueues_total",
		Help: "Mutations enqueued, by kind.",
	}, []string{"kind"})

	confirmTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridepool_reconcile_confirms_total",
		Help: "Mutations confirmed against the store.",
	})

	failureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridepool_reconcile_failures_total",
		Help: "Mutations resolved as permanently failed.",
	})

	retryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridepool_reconcile_retries_total",
		Help: "Failed attempts recorded for later retry.",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridepool_reconcile_pending",
		Help: "Mutations currently awaiting reconciliation.",
	})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ridepool_reconcile_attempt_seconds",
		Help:    "Store execution time per reconciliation attempt.",
		Buckets: prometheus.DefBuckets,
	})
)

func recordEnqueue(kind string) { enqueueTotal.WithLabelValues(kind).Inc() }

func recordConfirm() { confirmTotal.Inc() }

func recordFailure() { failureTotal.Inc() }

func recordRetry() { retryTotal.Inc() }

func updatePendingGauge(n int64) { pendingGauge.Set(float64(n)) }

func observeAttempt(seconds float64) { attemptDuration.Observe(seconds) }
