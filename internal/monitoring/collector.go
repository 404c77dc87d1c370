package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Classifier metrics (within lookback window).
	CandidatesTotal int            `json:"candidates_total"`
	TierCounts      map[string]int `json:"tier_counts"`
	Unscored        int            `json:"unscored"`
	PendingReview   int            `json:"pending_review"`
	UnscoredRate    float64        `json:"unscored_rate"`

	// Queue depths.
	ReviewBacklog int `json:"review_backlog"`
	RetryBacklog  int `json:"retry_backlog"`

	// StoreError is set when the store did not answer a ping; the other
	// fields are then left empty.
	StoreError string `json:"store_error,omitempty"`

	// Circuits maps each guarded dependency ("scorer:llm", "sink:slack")
	// to its breaker state.
	Circuits map[string]string `json:"circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the subset of the store the collector reads.
type Source interface {
	Ping(ctx context.Context) error
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.InquiryCandidate, error)
	CountReviewItems(ctx context.Context) (int, error)
	CountRetries(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store and the breakers of the scorer
// and lead sinks.
type Collector struct {
	store    Source
	breakers []*resilience.CircuitBreaker
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source, breakers ...*resilience.CircuitBreaker) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		TierCounts:    make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	if len(c.breakers) > 0 {
		snap.Circuits = make(map[string]string, len(c.breakers))
		for _, cb := range c.breakers {
			snap.Circuits[cb.Dependency()] = cb.State().String()
		}
	}

	if err := c.store.Ping(ctx); err != nil {
		snap.StoreError = err.Error()
		return snap, nil
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	candidates, err := c.store.ListCandidates(ctx, store.CandidateFilter{
		From:  cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list candidates")
	}

	snap.CandidatesTotal = len(candidates)
	for _, cand := range candidates {
		snap.TierCounts[string(cand.Tier)]++
		if !cand.Scored() {
			snap.Unscored++
		}
		if cand.ReviewStatus == model.ReviewPending {
			snap.PendingReview++
		}
	}
	if snap.CandidatesTotal > 0 {
		snap.UnscoredRate = float64(snap.Unscored) / float64(snap.CandidatesTotal)
	}

	snap.ReviewBacklog, err = c.store.CountReviewItems(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count review items")
	}

	snap.RetryBacklog, err = c.store.CountRetries(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count retries")
	}

	metrics.QueueDepth.WithLabelValues("review").Set(float64(snap.ReviewBacklog))
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(snap.RetryBacklog))

	return snap, nil
}
