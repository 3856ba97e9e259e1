// Copyright 2025 James Ross
// Package obsmetrics defines the Prometheus instrumentation for the
// ingestion controller: counters and gauges over this domain's events
// (claims, batches, warehouse jobs, backlog depth, lock-generation
// conflicts, race-monitor retriggers).
package obsmetrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClaimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_claims_total",
		Help: "Total number of successful idempotent claims on action markers",
	})
	DuplicateNotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_duplicate_notifications_total",
		Help: "Total number of notifications absorbed as duplicates",
	})
	BatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Total number of source-URI batches built",
	})
	NoSourceFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_no_source_files_total",
		Help: "Total number of batcher invocations that found no qualifying source files",
	})
	JobsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_warehouse_jobs_submitted_total",
		Help: "Total number of warehouse jobs submitted, by path",
	}, []string{"path"}) // "load" or "external_query"
	JobFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_warehouse_job_failures_total",
		Help: "Total number of warehouse jobs that failed fast or during subscriber polling",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_warehouse_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	BacklogDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_backlog_depth",
		Help: "Number of pending items in a table's backlog after the last observation",
	}, []string{"table_prefix"})
	BacklogConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_backlog_conflicts_total",
		Help: "Total number of lock-generation conflicts observed by the subscriber",
	})
	RaceMonitorRetriggersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_race_monitor_retriggers_total",
		Help: "Total number of times the publisher's race monitor re-invoked start-subscriber-if-not-running",
	})
	SubscriberRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_subscriber_restarts_total",
		Help: "Total number of times a subscriber hit its restart deadline and handed off",
	})
)

func init() {
	prometheus.MustRegister(
		ClaimsTotal, DuplicateNotificationsTotal, BatchesTotal, NoSourceFilesTotal,
		JobsSubmittedTotal, JobFailuresTotal, CircuitBreakerState, BacklogDepth,
		BacklogConflictsTotal, RaceMonitorRetriggersTotal, SubscriberRestartsTotal,
	)
}

// StartServer exposes /metrics, the same role a dedicated metrics
// obs.StartMetricsServer plays for the work queue.
func StartServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
