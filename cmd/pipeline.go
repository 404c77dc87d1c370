package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/attribution"
	"github.com/sells-group/leadflow/internal/classifier"
	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
)

// pipelineResult summarizes one append, classify and attribute pass.
type pipelineResult struct {
	Appended  int                        `json:"appended"`
	Classify  *classifier.BatchResult    `json:"classify,omitempty"`
	Attribute *attribution.PendingResult `json:"attribute,omitempty"`
}

// Partial reports whether either stage left work behind.
func (r *pipelineResult) Partial() bool {
	return (r.Classify != nil && r.Classify.Partial()) ||
		(r.Attribute != nil && r.Attribute.Partial())
}

// processEvents stores events, classifies them together with any due
// retries, and attributes every queued inquiry. source labels the ingest
// metric.
func (e *appEnv) processEvents(ctx context.Context, source string, events []model.EngagementEvent) (*pipelineResult, error) {
	res := &pipelineResult{}

	n, err := e.Store.AppendEvents(ctx, events...)
	if err != nil {
		return res, eris.Wrap(err, "append events")
	}
	res.Appended = n
	metrics.IngestedEvents.WithLabelValues(source).Add(float64(n))

	res.Classify, err = e.Classifier.RunBatch(ctx, events, cfg.Classifier.Concurrency)
	if err != nil {
		return res, err
	}

	res.Attribute, err = e.Ledger.AttributePending(ctx, cfg.Attribution.BatchSize)
	if err != nil {
		return res, err
	}

	zap.L().Info("events processed",
		zap.String("source", source),
		zap.Int("received", len(events)),
		zap.Int("appended", n),
		zap.Int("classified", res.Classify.Classified),
		zap.Int("attributed", res.Attribute.Written),
		zap.Bool("partial", res.Partial()),
	)
	return res, nil
}
