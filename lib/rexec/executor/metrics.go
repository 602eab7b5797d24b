// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	workers          prometheus.Gauge
	slotsIdle        prometheus.Gauge
	bundlesInFlight  prometheus.Gauge
	bundlesQueued    prometheus.Gauge
	bundlesSubmitted prometheus.Counter
	backupsScheduled prometheus.Counter
	emergencyRetries *prometheus.CounterVec
	bundlesFailed    prometheus.Counter
	bundleDuration   prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{}
	m.workers = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "workers",
		Help:      "Number of remote workers in the pool.",
	}))
	m.slotsIdle = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "slots_idle",
		Help:      "Number of remote execution slots not running a bundle.",
	}))
	m.bundlesInFlight = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "bundles_in_flight",
		Help:      "Number of bundles (originals and backups) assigned to a worker.",
	}))
	m.bundlesQueued = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "bundles_queued",
		Help:      "Number of bundles waiting for a helper goroutine.",
	}))
	m.bundlesSubmitted = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "bundles_submitted_total",
		Help:      "Number of tasks submitted.",
	}))
	m.backupsScheduled = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "backups_scheduled_total",
		Help:      "Number of backup bundles scheduled for slow originals.",
	}))
	m.emergencyRetries = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "emergency_retries_total",
		Help:      "Number of times a bundle was relaunched after an infrastructure failure.",
	}, []string{"kind"}))
	m.bundlesFailed = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "bundles_failed_total",
		Help:      "Number of tasks abandoned after too many infrastructure failures.",
	}))
	m.bundleDuration = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rexec",
		Subsystem: "executor",
		Name:      "bundle_duration_seconds",
		Help:      "Time from submission to result, for bundles whose result was retrieved.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}))
	return m
}

// register adds c to reg. If an equivalent collector is already
// registered (e.g., by a previous executor that has been shut down),
// the existing one is returned instead.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
