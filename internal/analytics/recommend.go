package analytics

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// VariantWin is a statistically significant experiment winner.
type VariantWin struct {
	ExperimentID string       `json:"experiment_id"`
	Hypothesis   string       `json:"hypothesis,omitempty"`
	Metric       model.Metric `json:"metric"`
	Variant      string       `json:"variant"`
	Control      string       `json:"control"`
	Lift         float64      `json:"lift"`
	EffectSize   float64      `json:"effect_size"`
	PValue       float64      `json:"p_value"`
	SampleSize   int          `json:"sample_size"`
	Features     []string     `json:"features,omitempty"`
}

// FeatureRecommendation ranks a variant feature by its significant wins.
type FeatureRecommendation struct {
	Rank        int      `json:"rank"`
	Feature     string   `json:"feature"`
	Wins        int      `json:"wins"`
	MeanLift    float64  `json:"mean_lift"`
	Experiments []string `json:"experiments"`
}

// experiments collects winners and inconclusive experiments whose run
// overlaps w and derives the feature ranking.
func (a *Aggregator) experiments(ctx context.Context, w Window, rep *Report) error {
	for _, status := range []model.ExperimentStatus{
		model.ExperimentConcluded, model.ExperimentInconclusive, model.ExperimentArchived,
	} {
		exps, err := a.store.ListExperiments(ctx, status)
		if err != nil {
			return eris.Wrapf(err, "analytics: list %s experiments", status)
		}
		for i := range exps {
			exp := &exps[i]
			if !overlaps(exp, w) {
				continue
			}
			if win, ok := winnerOf(exp); ok {
				rep.Winners = append(rep.Winners, win)
			} else if status != model.ExperimentArchived {
				rep.Inconclusive = append(rep.Inconclusive, exp.ID)
			}
		}
	}
	RankWinners(rep.Winners)
	sort.Strings(rep.Inconclusive)
	rep.Recommendations = Recommend(rep.Winners)
	return nil
}

func overlaps(exp *model.Experiment, w Window) bool {
	if exp.StartAt != nil && exp.StartAt.After(w.To) {
		return false
	}
	if exp.EndAt != nil && exp.EndAt.Before(w.From) {
		return false
	}
	return true
}

// winnerOf converts a significant result into a VariantWin. The lift of a
// winning treatment is measured against the control; a winning control is
// measured against the best treatment.
func winnerOf(exp *model.Experiment) (VariantWin, bool) {
	res := exp.Result
	if !res.Significant() {
		return VariantWin{}, false
	}
	winner := *res.Winner
	win := VariantWin{
		ExperimentID: exp.ID,
		Hypothesis:   exp.Hypothesis,
		Metric:       exp.Metric,
		Variant:      winner,
		Control:      res.Control,
		SampleSize:   res.SampleSizes[winner],
	}
	if v, ok := exp.Variant(winner); ok {
		win.Features = v.Features
	}

	if winner != res.Control {
		for _, c := range res.Comparisons {
			if c.Variant == winner {
				win.Lift, win.EffectSize, win.PValue = c.Lift, c.EffectSize, c.PValue
				break
			}
		}
		return win, true
	}

	// Control won: compare with the strongest treatment.
	var runnerUp *model.Comparison
	for i := range res.Comparisons {
		c := &res.Comparisons[i]
		if runnerUp == nil || c.EffectSize > runnerUp.EffectSize {
			runnerUp = c
		}
	}
	if runnerUp != nil {
		win.EffectSize, win.PValue = -runnerUp.EffectSize, runnerUp.PValue
		if m := res.VariantMeans[runnerUp.Variant]; m != 0 {
			win.Lift = (res.VariantMeans[winner] - m) / m
		}
	}
	return win, true
}

// RankWinners orders winners by lift, then experiment id.
func RankWinners(wins []VariantWin) {
	sort.SliceStable(wins, func(i, j int) bool {
		if wins[i].Lift != wins[j].Lift {
			return wins[i].Lift > wins[j].Lift
		}
		return wins[i].ExperimentID < wins[j].ExperimentID
	})
}

// Recommend ranks the features of winning variants by number of wins, then
// mean lift, then name.
func Recommend(wins []VariantWin) []FeatureRecommendation {
	type acc struct {
		wins    int
		lift    float64
		exps    []string
		seenExp map[string]bool
	}
	byFeature := make(map[string]*acc)
	for _, w := range wins {
		for _, f := range w.Features {
			a := byFeature[f]
			if a == nil {
				a = &acc{seenExp: make(map[string]bool)}
				byFeature[f] = a
			}
			a.wins++
			a.lift += w.Lift
			if !a.seenExp[w.ExperimentID] {
				a.seenExp[w.ExperimentID] = true
				a.exps = append(a.exps, w.ExperimentID)
			}
		}
	}

	out := make([]FeatureRecommendation, 0, len(byFeature))
	for f, a := range byFeature {
		sort.Strings(a.exps)
		out = append(out, FeatureRecommendation{
			Feature:     f,
			Wins:        a.wins,
			MeanLift:    a.lift / float64(a.wins),
			Experiments: a.exps,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wins != out[j].Wins {
			return out[i].Wins > out[j].Wins
		}
		if out[i].MeanLift != out[j].MeanLift {
			return out[i].MeanLift > out[j].MeanLift
		}
		return out[i].Feature < out[j].Feature
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
