package experiment

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/leadflow/internal/model"
)

// Sample is the observed data of one variant. Rate tests use Trials and
// Successes; mean tests use Values (one per content piece).
type Sample struct {
	Trials    int       `json:"trials"`
	Successes float64   `json:"successes"`
	Values    []float64 `json:"values,omitempty"`
}

// N is the sample size the minimum-sample gate is checked against.
func (s *Sample) N(test model.TestKind) int {
	if s == nil {
		return 0
	}
	if test == model.TestMeans {
		return len(s.Values)
	}
	return s.Trials
}

// Mean is the observed rate or mean value.
func (s *Sample) Mean(test model.TestKind) float64 {
	if s == nil {
		return 0
	}
	if test == model.TestMeans {
		if len(s.Values) == 0 {
			return 0
		}
		return stat.Mean(s.Values, nil)
	}
	if s.Trials == 0 {
		return 0
	}
	return math.Min(s.Successes/float64(s.Trials), 1)
}

// ProportionsTest is a two-sided two-proportion z-test of treatment against
// control. The p-value uses the pooled standard error, the confidence
// interval the unpooled one.
func ProportionsTest(control, treatment *Sample, alpha float64) model.Comparison {
	n1, n2 := float64(control.Trials), float64(treatment.Trials)
	p1, p2 := control.Mean(model.TestProportions), treatment.Mean(model.TestProportions)
	diff := p2 - p1

	c := model.Comparison{EffectSize: diff, Lift: lift(p1, p2), Alpha: alpha, PValue: 1}
	if n1 == 0 || n2 == 0 {
		return c
	}

	pooled := math.Min((control.Successes+treatment.Successes)/(n1+n2), 1)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se > 0 {
		z := diff / se
		c.PValue = 2 * distuv.UnitNormal.Survival(math.Abs(z))
	} else if diff != 0 {
		c.PValue = 0
	}

	zc := distuv.UnitNormal.Quantile(1 - alpha/2)
	seU := math.Sqrt(p1*(1-p1)/n1 + p2*(1-p2)/n2)
	c.CILow, c.CIHigh = diff-zc*seU, diff+zc*seU
	c.Significant = c.PValue < alpha
	return c
}

// WelchTest is a two-sided Welch t-test of treatment against control.
func WelchTest(control, treatment *Sample, alpha float64) model.Comparison {
	n1, n2 := float64(len(control.Values)), float64(len(treatment.Values))
	c := model.Comparison{Alpha: alpha, PValue: 1}
	if n1 < 2 || n2 < 2 {
		return c
	}

	m1, v1 := stat.MeanVariance(control.Values, nil)
	m2, v2 := stat.MeanVariance(treatment.Values, nil)
	diff := m2 - m1
	c.EffectSize = diff
	c.Lift = lift(m1, m2)

	a, b := v1/n1, v2/n2
	se := math.Sqrt(a + b)
	if se == 0 {
		if diff != 0 {
			c.PValue = 0
			c.Significant = true
		}
		c.CILow, c.CIHigh = diff, diff
		return c
	}

	df := (a + b) * (a + b) / (a*a/(n1-1) + b*b/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	t := diff / se
	c.PValue = 2 * dist.Survival(math.Abs(t))
	tc := dist.Quantile(1 - alpha/2)
	c.CILow, c.CIHigh = diff-tc*se, diff+tc*se
	c.Significant = c.PValue < alpha
	return c
}

func lift(base, v float64) float64 {
	if base == 0 {
		return 0
	}
	return (v - base) / base
}

// Evaluate tests every treatment against the control (first variant) with a
// Bonferroni-adjusted alpha. Below the minimum sample in any variant it
// returns insufficient_sample without computing a p-value. A treatment wins
// when it beats the control significantly (the largest such effect wins);
// the control wins only when it significantly beats every treatment.
func Evaluate(exp *model.Experiment, samples map[string]*Sample, at time.Time) model.StatisticalResult {
	res := model.StatisticalResult{
		ExperimentID: exp.ID,
		Metric:       exp.Metric,
		Test:         exp.Test,
		SampleSizes:  make(map[string]int, len(exp.Variants)),
		VariantMeans: make(map[string]float64, len(exp.Variants)),
		MinSample:    exp.MinSamplePerVariant,
		Control:      exp.Control(),
		EvaluatedAt:  at,
	}

	get := func(name string) *Sample {
		if s := samples[name]; s != nil {
			return s
		}
		return &Sample{}
	}

	insufficient := len(exp.Variants) < 2
	for _, name := range exp.VariantNames() {
		s := get(name)
		res.SampleSizes[name] = s.N(exp.Test)
		res.VariantMeans[name] = s.Mean(exp.Test)
		if s.N(exp.Test) < exp.MinSamplePerVariant {
			insufficient = true
		}
	}
	if insufficient {
		res.Outcome = model.OutcomeInsufficientSample
		return res
	}

	test := ProportionsTest
	if exp.Test == model.TestMeans {
		test = WelchTest
	}
	alpha := exp.Alpha / float64(len(exp.Variants)-1)

	control := get(res.Control)
	for _, name := range exp.VariantNames()[1:] {
		c := test(control, get(name), alpha)
		c.Variant, c.Control = name, res.Control
		res.Comparisons = append(res.Comparisons, c)
	}

	best := pickHeadline(res.Comparisons)
	res.EffectSize, res.Lift = best.EffectSize, best.Lift
	res.CILow, res.CIHigh = best.CILow, best.CIHigh
	p := best.PValue
	res.PValue = &p

	if winner, ok := winnerOf(res.Control, res.Comparisons); ok {
		res.Winner = &winner
		res.Outcome = model.OutcomeWinner
	} else {
		res.Outcome = model.OutcomeNoDifference
	}
	return res
}

// pickHeadline chooses the comparison reported at the top level: the
// largest significant positive effect, else the smallest p-value.
func pickHeadline(cs []model.Comparison) model.Comparison {
	sorted := append([]model.Comparison(nil), cs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi := sorted[i].Significant && sorted[i].EffectSize > 0
		pj := sorted[j].Significant && sorted[j].EffectSize > 0
		if pi != pj {
			return pi
		}
		if pi {
			return sorted[i].EffectSize > sorted[j].EffectSize
		}
		return sorted[i].PValue < sorted[j].PValue
	})
	return sorted[0]
}

func winnerOf(control string, cs []model.Comparison) (string, bool) {
	var (
		winner    string
		bestEff   float64
		beatsAll  = len(cs) > 0
		hasWinner bool
	)
	for _, c := range cs {
		if c.Significant && c.EffectSize > 0 && (!hasWinner || c.EffectSize > bestEff) {
			winner, bestEff, hasWinner = c.Variant, c.EffectSize, true
		}
		if !c.Significant || c.EffectSize >= 0 {
			beatsAll = false
		}
	}
	if hasWinner {
		return winner, true
	}
	if beatsAll {
		return control, true
	}
	return "", false
}
