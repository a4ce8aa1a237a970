// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kommemeorate"

var (
	// EventsEmitted counts domain events sent onto the queue by connectors.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Domain events emitted by source connectors.",
		},
		[]string{"source", "kind"},
	)

	// UpdatesDropped counts inbound updates that did not become an event.
	UpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Inbound updates ignored by source connectors, by reason.",
		},
		[]string{"source", "reason"},
	)

	// EventsApplied counts events persisted by the consumer.
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Domain events applied to storage.",
		},
		[]string{"kind"},
	)

	// StorageFailures counts storage errors that ended a consumer generation.
	StorageFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Storage errors that terminated the persistence consumer.",
		},
	)

	// RateLimitWaits counts backoff sleeps caused by upstream rate limiting.
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Reconnects delayed by an upstream rate limit.",
		},
		[]string{"source"},
	)

	// RateLimitSeconds accumulates time spent waiting on rate limits.
	RateLimitSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Seconds spent sleeping on upstream rate limits.",
		},
		[]string{"source"},
	)

	// WorkerGenerations counts generations started per worker.
	WorkerGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_generations_total",
			Help:      "Worker generations spawned.",
		},
		[]string{"worker"},
	)

	// QueueDepth reports the number of events buffered between connectors and the consumer.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the consumer queue.",
		},
	)

	// Reconciled counts inconsistencies repaired by the reconcile pass.
	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Orphan records and blobs removed by reconcile.",
		},
		[]string{"kind"},
	)
)
