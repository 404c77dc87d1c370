// Package metrics holds the Prometheus collectors of the pipeline. They are
// registered on the default registry and exposed by `leadflow serve`.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

var (
	// CandidatesTotal counts stored candidates by tier.
	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Inquiry candidates written, by tier",
		},
		[]string{"tier"},
	)

	// ClassifyOutcomes counts per-event classification outcomes.
	ClassifyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_outcomes_total",
			Help:      "Classification outcomes by result (classified, skipped, deduplicated, retried, degraded, failed)",
		},
		[]string{"outcome"},
	)

	// ScoreSeconds observes scorer latency.
	ScoreSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_seconds",
			Help:      "Scorer call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scorer"},
	)

	// AttributionsTotal counts ledger runs by result (written, unchanged, ambiguous).
	AttributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attributions_total",
			Help:      "Attribution computations by result",
		},
		[]string{"result"},
	)

	// LeadAlerts counts lead alert deliveries by sink and status.
	LeadAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_alerts_total",
			Help:      "Lead alerts delivered, by sink and status",
		},
		[]string{"sink", "status"},
	)

	// Assignments counts variant assignments by method.
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Experiment variant assignments, by method",
		},
		[]string{"method"},
	)

	// IngestedEvents counts events accepted from each source.
	IngestedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Engagement events stored, by source",
		},
		[]string{"source"},
	)

	// QueueDepth tracks the review and retry backlogs.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the review and retry queues",
		},
		[]string{"queue"},
	)

	// CircuitState tracks each breaker: 0 closed, 1 open, 2 half-open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state by dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
