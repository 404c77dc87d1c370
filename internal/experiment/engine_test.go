package experiment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *clock) {
	t.Helper()
	st := newTestStore(t)
	clk := &clock{now: t0}
	return New(st, DefaultConfig(), WithClock(clk.Now)), st, clk
}

func hookExperiment(id string) *model.Experiment {
	return &model.Experiment{
		ID:                  id,
		Hypothesis:          "Short hooks drive more engagement",
		Variants:            []model.Variant{{Name: "long"}, {Name: "short", Features: []string{"short_hook"}}},
		Metric:              model.MetricEngagementRate,
		MinSamplePerVariant: 100,
	}
}

// traffic appends views and comments on one content piece.
func traffic(t *testing.T, st *store.SQLiteStore, contentID string, views, comments int, at time.Time) {
	t.Helper()
	var events []model.EngagementEvent
	for i := 0; i < views; i++ {
		events = append(events, model.EngagementEvent{
			ID: fmt.Sprintf("%s-%d-v%d", contentID, at.Unix(), i), ContentID: contentID,
			ActorRef: fmt.Sprintf("actor%d", i), Type: model.EventView, OccurredAt: at,
		})
	}
	for i := 0; i < comments; i++ {
		events = append(events, model.EngagementEvent{
			ID: fmt.Sprintf("%s-%d-c%d", contentID, at.Unix(), i), ContentID: contentID,
			ActorRef: fmt.Sprintf("actor%d", i), Type: model.EventComment, Text: "nice", OccurredAt: at,
		})
	}
	_, err := st.AppendEvents(context.Background(), events...)
	require.NoError(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.ExperimentStatus
		want     bool
	}{
		{model.ExperimentDraft, model.ExperimentRunning, true},
		{model.ExperimentDraft, model.ExperimentConcluded, false},
		{model.ExperimentRunning, model.ExperimentConcluded, true},
		{model.ExperimentRunning, model.ExperimentInconclusive, true},
		{model.ExperimentRunning, model.ExperimentArchived, false},
		{model.ExperimentConcluded, model.ExperimentArchived, true},
		{model.ExperimentInconclusive, model.ExperimentArchived, true},
		{model.ExperimentInconclusive, model.ExperimentRunning, false},
		{model.ExperimentArchived, model.ExperimentRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEngine_CreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	exp := &model.Experiment{
		ID:                  "exp_defaults",
		Variants:            []model.Variant{{Name: "a"}, {Name: "b"}},
		Metric:              model.MetricInquiryRate,
		BaselineRate:        0.10,
		MinDetectableEffect: 0.03,
	}
	require.NoError(t, e.Create(ctx, exp))

	got, err := e.Get(ctx, "exp_defaults")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentDraft, got.Status)
	assert.Equal(t, 0.05, got.Alpha)
	assert.Equal(t, 0.8, got.Power)
	assert.Equal(t, model.TestProportions, got.Test)
	assert.Equal(t, model.AssignRandom, got.AssignmentMethod)
	assert.InDelta(t, 1774, got.MinSamplePerVariant, 5)

	rev := &model.Experiment{
		ID:                  "exp_revenue",
		Variants:            []model.Variant{{Name: "a"}, {Name: "b"}},
		Metric:              model.MetricAttributedRevenue,
		MinDetectableEffect: 0.5,
	}
	require.NoError(t, e.Create(ctx, rev))
	assert.Equal(t, model.TestMeans, rev.Test)
}

func TestEngine_CreateRequiresPreRegisteredSample(t *testing.T) {
	e, _, _ := newTestEngine(t)
	exp := hookExperiment("exp_nosample")
	exp.MinSamplePerVariant = 0

	err := e.Create(context.Background(), exp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_detectable_effect")
}

func TestEngine_CreateRejectsInvalid(t *testing.T) {
	e, _, _ := newTestEngine(t)
	exp := hookExperiment("exp_bad")
	exp.Metric = model.MetricAttributedRevenue
	exp.Test = model.TestProportions

	assert.Error(t, e.Create(context.Background(), exp))
}

func TestEngine_StartNeedsTwoVariants(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	exp := hookExperiment("exp_single")
	exp.Variants = exp.Variants[:1]
	require.NoError(t, e.Create(ctx, exp))

	_, err := e.Start(ctx, "exp_single")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestEngine_Lifecycle_Concluded(t *testing.T) {
	ctx := context.Background()
	e, st, clk := newTestEngine(t)
	require.NoError(t, e.Create(ctx, hookExperiment("exp_hook")))

	started, err := e.Start(ctx, "exp_hook")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentRunning, started.Status)
	require.NotNil(t, started.StartAt)
	assert.True(t, started.StartAt.Equal(t0))

	_, err = e.Start(ctx, "exp_hook")
	assert.True(t, IsInvalidTransition(err))

	for _, req := range []AssignRequest{
		{ExperimentID: "exp_hook", ContentID: "post-long", VariantTag: "long"},
		{ExperimentID: "exp_hook", ContentID: "post-short", VariantTag: "short"},
	} {
		_, err := e.Assign(ctx, req)
		require.NoError(t, err)
	}

	// Peeking before the minimum sample gives no p-value.
	traffic(t, st, "post-long", 50, 5, t0.Add(time.Hour))
	traffic(t, st, "post-short", 50, 20, t0.Add(time.Hour))
	clk.Set(t0.Add(2 * time.Hour))

	_, res, err := e.Status(ctx, "exp_hook")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInsufficientSample, res.Outcome)
	assert.Nil(t, res.PValue)

	exp, err := e.Conclude(ctx, "exp_hook", false)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentRunning, exp.Status)

	traffic(t, st, "post-long", 150, 15, t0.Add(3*time.Hour))
	traffic(t, st, "post-short", 150, 60, t0.Add(3*time.Hour))
	clk.Set(t0.Add(4 * time.Hour))

	exp, err = e.Conclude(ctx, "exp_hook", false)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentConcluded, exp.Status)
	require.True(t, exp.Result.Significant())
	assert.Equal(t, "short", *exp.Result.Winner)
	assert.Equal(t, 200, exp.Result.SampleSizes["short"])
	assert.InDelta(t, 0.4, exp.Result.VariantMeans["short"], 1e-9)
	require.NotNil(t, exp.EndAt)

	_, err = e.Conclude(ctx, "exp_hook", true)
	assert.True(t, IsInvalidTransition(err))

	archived, err := e.Archive(ctx, "exp_hook")
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentArchived, archived.Status)

	stored, err := e.Get(ctx, "exp_hook")
	require.NoError(t, err)
	assert.Equal(t, "short", *stored.Result.Winner)
}

func TestEngine_Lifecycle_Inconclusive(t *testing.T) {
	ctx := context.Background()
	e, st, clk := newTestEngine(t)
	require.NoError(t, e.Create(ctx, hookExperiment("exp_flat")))
	_, err := e.Start(ctx, "exp_flat")
	require.NoError(t, err)

	_, err = e.Archive(ctx, "exp_flat")
	assert.True(t, IsInvalidTransition(err))

	for _, v := range []string{"long", "short"} {
		_, err := e.Assign(ctx, AssignRequest{ExperimentID: "exp_flat", ContentID: "post-" + v, VariantTag: v})
		require.NoError(t, err)
		traffic(t, st, "post-"+v, 150, 15, t0.Add(time.Hour))
	}
	clk.Set(t0.Add(2 * time.Hour))

	exp, err := e.Conclude(ctx, "exp_flat", false)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentRunning, exp.Status)
	assert.Equal(t, model.OutcomeNoDifference, exp.Result.Outcome)

	exp, err = e.Conclude(ctx, "exp_flat", true)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentInconclusive, exp.Status)
	assert.Nil(t, exp.Result.Winner)
	require.NotNil(t, exp.Result.PValue)
}

func TestEngine_ConcludeAfterEndAtIsInconclusive(t *testing.T) {
	ctx := context.Background()
	e, _, clk := newTestEngine(t)
	exp := hookExperiment("exp_timeout")
	end := t0.Add(24 * time.Hour)
	exp.EndAt = &end
	require.NoError(t, e.Create(ctx, exp))
	_, err := e.Start(ctx, "exp_timeout")
	require.NoError(t, err)

	clk.Set(t0.Add(48 * time.Hour))
	got, err := e.Conclude(ctx, "exp_timeout", false)
	require.NoError(t, err)
	assert.Equal(t, model.ExperimentInconclusive, got.Status)
	assert.Equal(t, model.OutcomeInsufficientSample, got.Result.Outcome)
	assert.True(t, got.EndAt.Equal(end))
}

func TestEngine_ConcludeDraftIsInvalid(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Create(ctx, hookExperiment("exp_draft")))

	_, err := e.Conclude(ctx, "exp_draft", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = e.Get(ctx, "exp_missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestEngine_RevenueSamples(t *testing.T) {
	ctx := context.Background()
	e, st, clk := newTestEngine(t)
	exp := hookExperiment("exp_rev")
	exp.Metric = model.MetricAttributedRevenue
	exp.Test = model.TestMeans
	exp.MinSamplePerVariant = 2
	require.NoError(t, e.Create(ctx, exp))
	_, err := e.Start(ctx, "exp_rev")
	require.NoError(t, err)

	for i, v := range []string{"long", "long", "short", "short"} {
		_, err := e.Assign(ctx, AssignRequest{ExperimentID: "exp_rev", ContentID: fmt.Sprintf("p%d", i), VariantTag: v})
		require.NoError(t, err)
	}
	rec := &model.AttributionRecord{
		InquiryID:      "inq_1",
		Touches:        []model.TouchWeight{{ContentID: "p2", Weight: 0.75}, {ContentID: "p0", Weight: 0.25}},
		EstimatedValue: 40000,
		ValueSource:    model.ValueFromTable,
		Tier:           model.TierHot,
		OccurredAt:     t0.Add(time.Hour),
		Fingerprint:    "f1",
	}
	_, _, err = st.SaveAttribution(ctx, rec)
	require.NoError(t, err)
	clk.Set(t0.Add(2 * time.Hour))

	started, err := e.Get(ctx, "exp_rev")
	require.NoError(t, err)
	samples, err := e.Samples(ctx, started, clk.Now())
	require.NoError(t, err)

	assert.ElementsMatch(t, []float64{10000, 0}, samples["long"].Values)
	assert.ElementsMatch(t, []float64{30000, 0}, samples["short"].Values)
}
