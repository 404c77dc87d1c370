package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft        ExperimentStatus = "draft"
	ExperimentRunning      ExperimentStatus = "running"
	ExperimentConcluded    ExperimentStatus = "concluded"
	ExperimentInconclusive ExperimentStatus = "inconclusive"
	ExperimentArchived     ExperimentStatus = "archived"
)

// Metric is the target metric an experiment is evaluated on.
type Metric string

const (
	MetricEngagementRate    Metric = "engagement_rate"
	MetricInquiryRate       Metric = "inquiry_rate"
	MetricAttributedRevenue Metric = "attributed_revenue"
)

// TestKind selects the two-sample statistical test.
type TestKind string

const (
	TestProportions TestKind = "proportions"
	TestMeans       TestKind = "means"
)

// AssignmentMethod records how a content piece received its variant.
type AssignmentMethod string

const (
	AssignRandom     AssignmentMethod = "random"
	AssignRoundRobin AssignmentMethod = "round_robin"
	AssignSegment    AssignmentMethod = "segment"
	// AssignScheduled means the scheduling system supplied the variant tag.
	AssignScheduled AssignmentMethod = "scheduled"
)

// Variant is one treatment arm. Features describe what distinguishes the
// arm and feed the recommendation ranking.
type Variant struct {
	Name     string   `json:"name" yaml:"name"`
	Features []string `json:"features,omitempty" yaml:"features"`
}

// Experiment is a pre-registered content experiment.
type Experiment struct {
	ID                  string             `json:"id" yaml:"id"`
	Hypothesis          string             `json:"hypothesis" yaml:"hypothesis"`
	Variants            []Variant          `json:"variants" yaml:"variants"`
	Channel             string             `json:"channel,omitempty" yaml:"channel"`
	Metric              Metric             `json:"metric" yaml:"metric"`
	Test                TestKind           `json:"test" yaml:"test"`
	Alpha               float64            `json:"alpha" yaml:"alpha"`
	Power               float64            `json:"power" yaml:"power"`
	BaselineRate        float64            `json:"baseline_rate,omitempty" yaml:"baseline_rate"`
	MinDetectableEffect float64            `json:"min_detectable_effect,omitempty" yaml:"min_detectable_effect"`
	MinSamplePerVariant int                `json:"min_sample_per_variant" yaml:"min_sample_per_variant"`
	AssignmentMethod    AssignmentMethod   `json:"assignment_method" yaml:"assignment_method"`
	SegmentMap          map[string]string  `json:"segment_map,omitempty" yaml:"segment_map"`
	StartAt             *time.Time         `json:"start_at,omitempty" yaml:"start_at"`
	EndAt               *time.Time         `json:"end_at,omitempty" yaml:"end_at"`
	Status              ExperimentStatus   `json:"status" yaml:"-"`
	Result              *StatisticalResult `json:"result,omitempty" yaml:"-"`
	CreatedAt           time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time          `json:"updated_at" yaml:"-"`
}

// VariantNames lists the variant names in definition order.
func (e *Experiment) VariantNames() []string {
	names := make([]string, len(e.Variants))
	for i, v := range e.Variants {
		names[i] = v.Name
	}
	return names
}

// Variant looks up a variant by name.
func (e *Experiment) Variant(name string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Control returns the first variant, which serves as the comparison baseline.
func (e *Experiment) Control() string {
	if len(e.Variants) == 0 {
		return ""
	}
	return e.Variants[0].Name
}

// Validate checks the definition fields that do not depend on status.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return eris.New("experiment: id is required")
	}
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if strings.TrimSpace(v.Name) == "" {
			return eris.Errorf("experiment %s: variant name is required", e.ID)
		}
		if seen[v.Name] {
			return eris.Errorf("experiment %s: duplicate variant %q", e.ID, v.Name)
		}
		seen[v.Name] = true
	}
	switch e.Metric {
	case MetricEngagementRate, MetricInquiryRate:
	case MetricAttributedRevenue:
		if e.Test == TestProportions {
			return eris.Errorf("experiment %s: attributed_revenue requires the means test", e.ID)
		}
	default:
		return eris.Errorf("experiment %s: unknown metric %q", e.ID, e.Metric)
	}
	switch e.Test {
	case TestProportions, TestMeans:
	default:
		return eris.Errorf("experiment %s: unknown test %q", e.ID, e.Test)
	}
	switch e.AssignmentMethod {
	case AssignRandom, AssignRoundRobin, AssignSegment:
	default:
		return eris.Errorf("experiment %s: unknown assignment method %q", e.ID, e.AssignmentMethod)
	}
	if e.Alpha <= 0 || e.Alpha >= 1 {
		return eris.Errorf("experiment %s: alpha must be in (0,1)", e.ID)
	}
	if e.Power <= 0 || e.Power >= 1 {
		return eris.Errorf("experiment %s: power must be in (0,1)", e.ID)
	}
	return nil
}

// ExperimentAssignment binds one content piece to one variant. Written once
// per content_id and never updated.
type ExperimentAssignment struct {
	ContentID    string           `json:"content_id"`
	ExperimentID string           `json:"experiment_id"`
	Variant      string           `json:"variant"`
	Method       AssignmentMethod `json:"method"`
	Segment      string           `json:"segment,omitempty"`
	AssignedAt   time.Time        `json:"assigned_at"`
}

// Outcome summarises a statistical evaluation.
type Outcome string

const (
	OutcomeWinner             Outcome = "winner"
	OutcomeNoDifference       Outcome = "no_difference"
	OutcomeInsufficientSample Outcome = "insufficient_sample"
)

// Comparison is one treatment-vs-control test.
type Comparison struct {
	Variant     string  `json:"variant"`
	Control     string  `json:"control"`
	EffectSize  float64 `json:"effect_size"`
	Lift        float64 `json:"lift"`
	PValue      float64 `json:"p_value"`
	CILow       float64 `json:"ci_low"`
	CIHigh      float64 `json:"ci_high"`
	Alpha       float64 `json:"alpha"`
	Significant bool    `json:"significant"`
}

// StatisticalResult is the evaluation of an experiment. Winner is nil when
// the result is inconclusive.
type StatisticalResult struct {
	ExperimentID string             `json:"experiment_id"`
	Outcome      Outcome            `json:"outcome"`
	Metric       Metric             `json:"metric"`
	Test         TestKind           `json:"test"`
	SampleSizes  map[string]int     `json:"sample_sizes"`
	VariantMeans map[string]float64 `json:"variant_means"`
	MinSample    int                `json:"min_sample"`
	Control      string             `json:"control"`
	EffectSize   float64            `json:"effect_size"`
	Lift         float64            `json:"lift"`
	PValue       *float64           `json:"p_value"`
	CILow        float64            `json:"ci_low"`
	CIHigh       float64            `json:"ci_high"`
	Winner       *string            `json:"winner"`
	Comparisons  []Comparison       `json:"comparisons,omitempty"`
	EvaluatedAt  time.Time          `json:"evaluated_at"`
}

// Significant reports whether the result names a winner.
func (r *StatisticalResult) Significant() bool {
	return r != nil && r.Outcome == OutcomeWinner && r.Winner != nil
}
