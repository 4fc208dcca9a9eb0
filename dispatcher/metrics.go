// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package dispatcher

import "github.com/prometheus/client_golang/prometheus"

var (
	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "assignments_total",
			Help:      "Planets assigned to a worker, by tick source",
		},
		[]string{"source"},
	)

	tickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "tick_seconds",
			Help:      "Time spent in one L1 assignment pass",
			Buckets:   prometheus.DefBuckets,
		})

	sweepSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "sweep_seconds",
			Help:      "Time spent in one L3 liveness sweep",
			Buckets:   prometheus.DefBuckets,
		})

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "active_sessions",
			Help:      "Number of live worker sessions",
		})

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "recoveries_total",
			Help:      "Orphan jobs recovered, by reason",
		},
		[]string{"reason"},
	)

	cooldownsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "cooldowns_total",
			Help:      "Planets that exhausted MaxRetries and were cooled down",
		})
)

func init() {
	prometheus.MustRegister(
		assignmentsTotal,
		tickSeconds,
		sweepSeconds,
		activeSessions,
		recoveriesTotal,
		cooldownsTotal,
	)
}
