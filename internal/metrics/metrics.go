// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package metrics provides Prometheus instrumentation for Minefleet.
//
// Metrics are exposed at /metrics in Prometheus text format. Series cover
// the server lifecycle (transitions, launches, crashes), the log pump,
// subscriber backpressure, RCON, reconciliation, and the backup scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle metrics

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_status_transitions_total",
			Help: "Server status transitions by edge",
		},
		[]string{"from", "to"},
	)

	ProcessLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_process_launches_total",
			Help: "JVM launches by detachment strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	ServersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minefleet_servers",
			Help: "Number of tracked servers by status",
		},
		[]string{"status"},
	)

	Crashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_crashes_total",
			Help: "Server processes that exited into the crashed state",
		},
	)

	// Log pump metrics

	LogLinesPumped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_log_lines_total",
			Help: "Log lines read by all log pumps",
		},
	)

	LogRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_log_rotations_total",
			Help: "Log file rotations detected by the pumps",
		},
	)

	SubscriberDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_subscriber_drops_total",
			Help: "Messages dropped because a subscriber queue was full",
		},
		[]string{"stream"},
	)

	// RCON metrics

	RconCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_rcon_calls_total",
			Help: "RCON command executions by outcome",
		},
		[]string{"outcome"},
	)

	// Reconciler metrics

	ReconcilePasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_reconcile_passes_total",
			Help: "Completed reconciliation passes",
		},
	)

	ReconcileDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_reconcile_drift_total",
			Help: "Drift corrections applied by the reconciler",
		},
		[]string{"kind"},
	)

	// Backup metrics

	BackupsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_backups_total",
			Help: "Backup executions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	BackupsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_backups_skipped_total",
			Help: "Scheduled backups skipped, by reason",
		},
		[]string{"reason"},
	)

	BackupSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minefleet_backup_size_bytes",
			Help:    "Size of completed backup archives",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MiB .. 16GiB
		},
	)

	// HTTP metrics

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_http_requests_total",
			Help: "HTTP requests by route pattern, method, and status class",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minefleet_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Database metrics

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minefleet_db_query_errors_total",
			Help: "Failed database operations",
		},
		[]string{"operation"},
	)

	DBRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minefleet_db_retries_total",
			Help: "Database operations retried after a transient error",
		},
	)
)
