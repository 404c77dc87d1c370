package classifier

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// BatchResult tallies one batch run.
type BatchResult struct {
	Total        int                `json:"total"`
	Classified   int                `json:"classified"`
	Skipped      int                `json:"skipped"`
	Deduplicated int                `json:"deduplicated"`
	Retried      int                `json:"retried"`
	Degraded     int                `json:"degraded"`
	Review       int                `json:"review"`
	Failed       int                `json:"failed"`
	Tiers        map[model.Tier]int `json:"tiers"`
}

// Partial reports whether any item needs human attention or a later pass.
func (r *BatchResult) Partial() bool {
	return r.Retried > 0 || r.Degraded > 0 || r.Review > 0 || r.Failed > 0
}

type tally struct {
	mu  sync.Mutex
	res BatchResult
}

func (t *tally) add(fn func(r *BatchResult)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

func (t *tally) result(outcome string, res *Result) {
	metrics.ClassifyOutcomes.WithLabelValues(outcome).Inc()
	t.add(func(r *BatchResult) {
		switch outcome {
		case "classified":
			r.Classified++
		case "skipped":
			r.Skipped++
		case "deduplicated":
			r.Deduplicated++
		case "retried":
			r.Retried++
		case "degraded":
			r.Degraded++
		case "failed":
			r.Failed++
		}
		if res != nil && !res.Deduplicated {
			r.Tiers[res.Candidate.Tier]++
			if res.Review {
				r.Review++
			}
		}
	})
}

// RunBatch drains due retry-queue entries and then classifies events with at
// most concurrency workers. Individual failures never abort the batch; only
// a cancelled context does.
func (c *Classifier) RunBatch(ctx context.Context, events []model.EngagementEvent, concurrency int) (*BatchResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	t := &tally{res: BatchResult{Tiers: make(map[model.Tier]int)}}

	due, err := c.store.DueRetries(ctx, resilience.RetryFilter{DueBefore: c.now().UTC()})
	if err != nil {
		return nil, eris.Wrap(err, "classifier: load due retries")
	}
	t.res.Total = len(due) + len(events)

	zap.L().Info("classifier: batch starting",
		zap.Int("events", len(events)),
		zap.Int("due_retries", len(due)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, entry := range due {
		g.Go(func() error {
			return c.retry(gctx, entry, t)
		})
	}
	for _, event := range events {
		g.Go(func() error {
			return c.process(gctx, event, t)
		})
	}

	if err := g.Wait(); err != nil {
		return &t.res, eris.Wrap(err, "classifier: batch")
	}

	zap.L().Info("classifier: batch complete",
		zap.Int("classified", t.res.Classified),
		zap.Int("skipped", t.res.Skipped),
		zap.Int("deduplicated", t.res.Deduplicated),
		zap.Int("retried", t.res.Retried),
		zap.Int("degraded", t.res.Degraded),
		zap.Int("review", t.res.Review),
		zap.Int("failed", t.res.Failed),
	)
	return &t.res, nil
}

func (c *Classifier) process(ctx context.Context, event model.EngagementEvent, t *tally) error {
	event.EnsureID()
	log := zap.L().With(zap.String("event_id", event.ID))

	res, err := c.Classify(ctx, event)
	switch {
	case err == nil:
		t.result(outcomeOf(res), res)
		return nil
	case errors.Is(err, model.ErrNoText):
		log.Debug("classifier: skipping event without text")
		t.result("skipped", nil)
		return nil
	case IsUnavailable(err):
		entry := resilience.NewRetryEntry(event, err, c.cfg.MaxRetries, c.now().UTC(), c.cfg.RetryQueue)
		if !entry.CanRetry() {
			return c.degrade(ctx, entry, t)
		}
		if qErr := c.store.EnqueueRetry(ctx, entry); qErr != nil {
			log.Error("classifier: enqueue retry failed", zap.Error(qErr))
			t.result("failed", nil)
			return nil
		}
		log.Warn("classifier: scorer unavailable, event queued for retry", zap.Error(err))
		t.result("retried", nil)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		log.Error("classifier: event failed", zap.Error(err))
		t.result("failed", nil)
		return nil
	}
}

func (c *Classifier) retry(ctx context.Context, entry resilience.RetryEntry, t *tally) error {
	log := zap.L().With(zap.String("retry_id", entry.ID), zap.Int("retry_count", entry.RetryCount))

	res, err := c.Classify(ctx, entry.Event)
	switch {
	case err == nil || errors.Is(err, model.ErrNoText):
		if rmErr := c.store.RemoveRetry(ctx, entry.ID); rmErr != nil {
			log.Error("classifier: remove retry failed", zap.Error(rmErr))
		}
		if err != nil {
			t.result("skipped", nil)
		} else {
			t.result(outcomeOf(res), res)
		}
		return nil
	case IsUnavailable(err):
		entry.RecordFailure(err, c.now().UTC(), c.cfg.RetryQueue)
		if !entry.CanRetry() {
			return c.degrade(ctx, entry, t)
		}
		if qErr := c.store.EnqueueRetry(ctx, entry); qErr != nil {
			log.Error("classifier: update retry failed", zap.Error(qErr))
			t.result("failed", nil)
			return nil
		}
		t.result("retried", nil)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		log.Error("classifier: retry failed", zap.Error(err))
		t.result("failed", nil)
		return nil
	}
}

func (c *Classifier) degrade(ctx context.Context, entry resilience.RetryEntry, t *tally) error {
	res, err := c.Degrade(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Keep the event queued so it is never silently dropped.
		zap.L().Error("classifier: degrade failed", zap.String("retry_id", entry.ID), zap.Error(err))
		if qErr := c.store.EnqueueRetry(ctx, entry); qErr != nil {
			zap.L().Error("classifier: requeue failed", zap.Error(qErr))
		}
		t.result("failed", nil)
		return nil
	}
	if rmErr := c.store.RemoveRetry(ctx, entry.ID); rmErr != nil {
		zap.L().Error("classifier: remove retry failed", zap.String("retry_id", entry.ID), zap.Error(rmErr))
	}
	if res.Deduplicated {
		t.result("deduplicated", res)
		return nil
	}
	t.result("degraded", res)
	return nil
}

func outcomeOf(res *Result) string {
	if res.Deduplicated {
		return "deduplicated"
	}
	return "classified"
}
