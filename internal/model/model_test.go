package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"hot", TierHot, false},
		{" Warm ", TierWarm, false},
		{"COLD", TierCold, false},
		{"rejected", TierRejected, false},
		{"unscored", "", true},
		{"lukewarm", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTier_AtLeast(t *testing.T) {
	assert.True(t, TierHot.AtLeast(TierWarm))
	assert.True(t, TierWarm.AtLeast(TierWarm))
	assert.False(t, TierCold.AtLeast(TierWarm))
	assert.False(t, TierRejected.AtLeast(TierRejected))
	assert.False(t, TierUnscored.AtLeast(TierCold))
}

func TestInquiryCandidate_Accepted(t *testing.T) {
	tests := []struct {
		name   string
		tier   Tier
		status ReviewStatus
		want   bool
	}{
		{"auto hot", TierHot, ReviewAutoAccepted, true},
		{"overridden cold", TierCold, ReviewOverridden, true},
		{"pending warm", TierWarm, ReviewPending, false},
		{"overridden rejected", TierRejected, ReviewOverridden, false},
		{"unscored", TierUnscored, ReviewPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &InquiryCandidate{Tier: tt.tier, ReviewStatus: tt.status}
			assert.Equal(t, tt.want, c.Accepted())
		})
	}
}

func TestInquiryCandidate_ConfidenceValue(t *testing.T) {
	c := &InquiryCandidate{}
	assert.False(t, c.Scored())
	assert.Equal(t, -1.0, c.ConfidenceValue())

	c.Confidence = Float(0.7)
	assert.True(t, c.Scored())
	assert.Equal(t, 0.7, c.ConfidenceValue())
}

func TestEngagementEvent_Validate(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	valid := EngagementEvent{ContentID: "c1", ActorRef: "u1", Type: EventComment, OccurredAt: ts}
	require.NoError(t, valid.Validate())

	noContent := valid
	noContent.ContentID = " "
	assert.ErrorContains(t, noContent.Validate(), "content_id")

	noActor := valid
	noActor.ActorRef = ""
	assert.ErrorContains(t, noActor.Validate(), "actor_ref")

	badType := valid
	badType.Type = "like"
	assert.ErrorContains(t, badType.Validate(), "event_type")

	noTS := valid
	noTS.OccurredAt = time.Time{}
	assert.ErrorContains(t, noTS.Validate(), "ts")
}

func TestEngagementEvent_EnsureID(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := EngagementEvent{ContentID: "c1", ActorRef: "u1", Type: EventView, OccurredAt: ts}
	b := a
	a.EnsureID()
	b.EnsureID()
	assert.Equal(t, a.ID, b.ID)
	assert.Contains(t, a.ID, "evt_")

	// Same instant in another zone hashes the same.
	c := a
	c.ID = ""
	c.OccurredAt = ts.In(time.FixedZone("CET", 3600))
	c.EnsureID()
	assert.Equal(t, a.ID, c.ID)

	d := a
	d.ID = ""
	d.Text = "hello"
	d.EnsureID()
	assert.NotEqual(t, a.ID, d.ID)

	e := EngagementEvent{ID: "platform-42"}
	e.EnsureID()
	assert.Equal(t, "platform-42", e.ID)
}

func TestEventType(t *testing.T) {
	assert.False(t, EventView.IsEngagement())
	assert.True(t, EventShare.IsEngagement())
	assert.False(t, EventType("like").Valid())
}

func TestContentPiece_Validate(t *testing.T) {
	assert.NoError(t, ContentPiece{ID: "c1", PublishedAt: time.Now()}.Validate())
	assert.Error(t, ContentPiece{PublishedAt: time.Now()}.Validate())
	assert.Error(t, ContentPiece{ID: "c1"}.Validate())
}

func validExperiment() *Experiment {
	return &Experiment{
		ID:               "exp_hooks",
		Variants:         []Variant{{Name: "control"}, {Name: "question_hook"}},
		Metric:           MetricInquiryRate,
		Test:             TestProportions,
		Alpha:            0.05,
		Power:            0.8,
		AssignmentMethod: AssignRandom,
	}
}

func TestExperiment_Validate(t *testing.T) {
	require.NoError(t, validExperiment().Validate())

	tests := []struct {
		name   string
		mutate func(e *Experiment)
		want   string
	}{
		{"missing id", func(e *Experiment) { e.ID = "" }, "id is required"},
		{"duplicate variant", func(e *Experiment) { e.Variants[1].Name = "control" }, "duplicate variant"},
		{"blank variant", func(e *Experiment) { e.Variants[1].Name = " " }, "variant name"},
		{"unknown metric", func(e *Experiment) { e.Metric = "ctr" }, "unknown metric"},
		{"revenue needs means", func(e *Experiment) { e.Metric = MetricAttributedRevenue }, "means test"},
		{"unknown test", func(e *Experiment) { e.Test = "bayes" }, "unknown test"},
		{"unknown method", func(e *Experiment) { e.AssignmentMethod = "manual" }, "assignment method"},
		{"alpha", func(e *Experiment) { e.Alpha = 1 }, "alpha"},
		{"power", func(e *Experiment) { e.Power = 0 }, "power"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment()
			tt.mutate(e)
			assert.ErrorContains(t, e.Validate(), tt.want)
		})
	}
}

func TestExperiment_Variants(t *testing.T) {
	e := validExperiment()
	assert.Equal(t, "control", e.Control())
	assert.Equal(t, []string{"control", "question_hook"}, e.VariantNames())

	_, ok := e.Variant("question_hook")
	assert.True(t, ok)
	_, ok = e.Variant("missing")
	assert.False(t, ok)

	assert.Empty(t, (&Experiment{}).Control())
}

func TestAttributionRecord_Helpers(t *testing.T) {
	r := &AttributionRecord{Touches: []TouchWeight{
		{ContentID: "c1", Weight: 0.6},
		{ContentID: "c2", Weight: 0.4},
	}}
	assert.InDelta(t, 1.0, r.WeightSum(), WeightTolerance)
	assert.Equal(t, []string{"c1", "c2"}, r.ContentIDs())
	assert.Equal(t, 0.4, r.WeightFor("c2"))
	assert.Zero(t, r.WeightFor("c3"))

	un := &AttributionRecord{Touches: []TouchWeight{{ContentID: UnattributedContentID, Weight: 1}}}
	assert.Empty(t, un.ContentIDs())
}

func TestAttributionRecord_Qualified(t *testing.T) {
	assert.True(t, (&AttributionRecord{Tier: TierHot}).Qualified())
	assert.True(t, (&AttributionRecord{Tier: TierWarm}).Qualified())
	assert.False(t, (&AttributionRecord{Tier: TierCold}).Qualified())
	assert.False(t, (&AttributionRecord{Tier: TierRejected}).Qualified())
}

func TestStatisticalResult_Significant(t *testing.T) {
	var nilResult *StatisticalResult
	assert.False(t, nilResult.Significant())

	w := "question_hook"
	assert.True(t, (&StatisticalResult{Outcome: OutcomeWinner, Winner: &w}).Significant())
	assert.False(t, (&StatisticalResult{Outcome: OutcomeNoDifference}).Significant())
}
