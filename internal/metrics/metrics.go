// Package metrics holds the prometheus collectors for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "careerline"

var (
	// WebhookDeliveries counts inbound webhook requests.
	// Labels: outcome (accepted, duplicate, ignored, unauthorized, rate_limited, error)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound GitHub webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// EventsIngested counts stored PR events.
	// Labels: type, duplicate (true, false)
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "PR events ingested by type and duplicate flag",
		},
		[]string{"type", "duplicate"},
	)

	// TasksEnqueued counts dispatcher enqueue calls.
	// Labels: queue, result (ok, error)
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks handed to the dispatcher",
		},
		[]string{"queue", "result"},
	)

	// TaskDeliveries counts HTTP deliveries attempted by the dispatcher.
	// Labels: queue, result (delivered, retry, dead)
	TaskDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "task_deliveries_total",
			Help:      "Task delivery attempts by result",
		},
		[]string{"queue", "result"},
	)

	// PipelineAttempts counts extract/synthesize cycles.
	// Labels: result (valid, invalid, error)
	PipelineAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "attempts_total",
			Help:      "Generation pipeline attempts by result",
		},
		[]string{"result"},
	)

	// PipelineDuration tracks full pipeline runs including retries.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Duration of generation pipeline runs in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	// ArtifactsGenerated counts persisted artifacts.
	// Labels: status (inbox, flagged)
	ArtifactsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_generated_total",
			Help:      "Artifacts created by initial status",
		},
		[]string{"status"},
	)

	// GateRejections counts execution creations blocked by the approval gate.
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Agent run creations rejected by the approval gate",
		},
		[]string{"code"},
	)

	// ProviderRequests counts repository provider calls.
	// Labels: op, result (ok, error, cache_hit)
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Repository provider requests by operation and result",
		},
		[]string{"op", "result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
