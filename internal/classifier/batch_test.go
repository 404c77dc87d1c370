package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/monitoring"
	"github.com/sells-group/leadflow/internal/resilience"
	"github.com/sells-group/leadflow/internal/store"
)

func TestRunBatch_Tallies(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sc := &fixedScorer{scores: map[string]float64{
		"hot":  0.95,
		"warm": 0.6,
		"cold": 0.1,
		"edge": 0.84,
	}}
	c := newTestClassifier(t, sc, st)

	events := []model.EngagementEvent{
		comment("e1", "a1", "c1", "hot", t0),
		comment("e2", "a2", "c1", "warm", t0),
		comment("e3", "a3", "c1", "cold", t0),
		comment("e4", "a4", "c1", "edge", t0),
		comment("e5", "a1", "c1", "cold", t0.Add(time.Minute)), // duplicate of e1
		{ID: "e6", ContentID: "c1", ActorRef: "a5", Type: model.EventView, OccurredAt: t0},
	}

	res, err := c.RunBatch(ctx, events, 1)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 4, res.Classified)
	assert.Equal(t, 1, res.Deduplicated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Review)
	assert.Equal(t, 2, res.Tiers[model.TierWarm])
	assert.Equal(t, 1, res.Tiers[model.TierHot])
	assert.True(t, res.Partial())

	pending, err := st.PendingAttributions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestRunBatch_UnavailableQueuesThenDegrades(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sc := &fixedScorer{err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	alerts := &recordingAlerts{}

	now := t0.Add(time.Hour)
	c := newTestClassifier(t, sc, st, WithAlerts(alerts), WithClock(func() time.Time { return now }))

	ev := comment("e1", "a1", "c1", "please call me about a proposal", t0)

	// First pass: scorer down, event is queued, never dropped.
	res, err := c.RunBatch(ctx, []model.EngagementEvent{ev}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	n, err := st.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second pass after the backoff: retry count reaches MaxRetries (2).
	now = now.Add(time.Hour)
	res, err = c.RunBatch(ctx, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Degraded)
	assert.Equal(t, 1, res.Review)
	assert.Equal(t, 1, res.Tiers[model.TierUnscored])

	n, err = st.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cands, err := st.ListCandidates(ctx, store.CandidateFilter{})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Confidence, "unscored must be null, not zero")
	assert.Equal(t, model.TierUnscored, cands[0].Tier)
	assert.Equal(t, model.ReviewPending, cands[0].ReviewStatus)

	items, err := st.ListReviewItems(ctx, store.ReviewFilter{Kind: model.ReviewUnscored})
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, monitoring.AlertDegradedClassifier, alerts.alerts[0].Type)
}

func TestRunBatch_QueuedEventWaitsMinutes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sc := &fixedScorer{err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	now := t0.Add(time.Hour)
	c := newTestClassifier(t, sc, st, WithClock(func() time.Time { return now }))

	_, err := c.RunBatch(ctx, []model.EngagementEvent{comment("e1", "a1", "c1", "x", t0)}, 1)
	require.NoError(t, err)
	calls := sc.calls.Load()

	queued, err := st.DueRetries(ctx, resilience.RetryFilter{DueBefore: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.GreaterOrEqual(t, queued[0].NextRetryAt.Sub(now), 54*time.Second)

	// A pass seconds later leaves the event queued instead of burning a retry.
	now = now.Add(10 * time.Second)
	res, err := c.RunBatch(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Zero(t, res.Degraded)
	assert.Equal(t, calls, sc.calls.Load())

	n, err := st.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunBatch_RetrySucceedsLater(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sc := &fixedScorer{
		scores: map[string]float64{"budget for q3?": 0.9},
		err:    resilience.NewTransientError(errors.New("timeout"), 504),
	}
	now := t0.Add(time.Hour)
	c := newTestClassifier(t, sc, st, WithClock(func() time.Time { return now }))

	_, err := c.RunBatch(ctx, []model.EngagementEvent{comment("e1", "a1", "c1", "budget for q3?", t0)}, 1)
	require.NoError(t, err)

	sc.setErr(nil)
	now = now.Add(time.Hour)
	res, err := c.RunBatch(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Classified)
	assert.Equal(t, 1, res.Tiers[model.TierHot])

	n, err := st.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunBatch_RetryNotDueIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sc := &fixedScorer{err: resilience.NewTransientError(errors.New("timeout"), 504)}
	c := newTestClassifier(t, sc, st)

	cfg := testConfig()
	entry := resilience.NewRetryEntry(comment("e1", "a1", "c1", "x", t0), errors.New("timeout"), 5, t0.Add(2*time.Hour), cfg.RetryQueue)
	require.NoError(t, st.EnqueueRetry(ctx, entry))

	res, err := c.RunBatch(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, int32(0), sc.calls.Load())
}

func TestRunBatch_Cancelled(t *testing.T) {
	st := newTestStore(t)
	sc := &fixedScorer{scores: map[string]float64{}}
	c := newTestClassifier(t, sc, st)

	events := make([]model.EngagementEvent, 50)
	for i := range events {
		events[i] = comment(fmt.Sprintf("e%d", i), fmt.Sprintf("a%d", i), "c1", "x", t0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.RunBatch(ctx, events, 4)
	assert.Error(t, err)
}
