// Package metrics holds the ingestor's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts processed events by source, event name and outcome.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_events_total",
			Help: "Total number of ingested events",
		},
		[]string{"source", "event", "outcome"},
	)

	// RunsCreated counts runs inserted by "start" events.
	RunsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_runs_created_total",
			Help: "Total number of runs created",
		},
		[]string{"type"},
	)

	// ParentRetries counts parent-wait retries by how they resolved.
	ParentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_parent_retries_total",
			Help: "Total number of parent-wait retries",
		},
		[]string{"result"},
	)

	// RedactedEvents counts events whose payload was replaced by a filtering rule.
	RedactedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_redacted_events_total",
			Help: "Total number of events redacted by ingestion rules",
		},
	)

	// ReportedErrors counts errors sent to the error-tracking sink.
	ReportedErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_reported_errors_total",
			Help: "Total number of errors reported to the error tracker",
		},
	)

	// OTLPRequests counts OTLP export requests by signal and HTTP status.
	OTLPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_otlp_requests_total",
			Help: "Total number of OTLP export requests",
		},
		[]string{"signal", "code"},
	)

	// BatchDuration observes how long one ingestion batch takes.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestor_batch_duration_seconds",
			Help:    "Duration of ingestion batches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
