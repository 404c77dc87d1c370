package experiment

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/leadflow/internal/model"
)

// MinSampleProportions is the per-variant sample needed to detect an
// absolute lift of mde over baseline with a two-sided two-proportion test.
func MinSampleProportions(alpha, power, baseline, mde float64) (int, error) {
	p1, p2 := baseline, baseline+mde
	if p1 <= 0 || p1 >= 1 || p2 <= 0 || p2 >= 1 || mde == 0 {
		return 0, eris.Errorf("experiment: baseline %v with effect %v must stay inside (0,1)", baseline, mde)
	}
	if err := checkAlphaPower(alpha, power); err != nil {
		return 0, err
	}
	za := distuv.UnitNormal.Quantile(1 - alpha/2)
	zb := distuv.UnitNormal.Quantile(power)
	pbar := (p1 + p2) / 2

	num := za*math.Sqrt(2*pbar*(1-pbar)) + zb*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := num * num / ((p2 - p1) * (p2 - p1))
	return int(math.Ceil(n)), nil
}

// MinSampleMeans is the per-variant sample needed to detect a standardized
// effect size d (difference in means over the common standard deviation).
func MinSampleMeans(alpha, power, d float64) (int, error) {
	if d <= 0 {
		return 0, eris.Errorf("experiment: standardized effect must be positive, got %v", d)
	}
	if err := checkAlphaPower(alpha, power); err != nil {
		return 0, err
	}
	za := distuv.UnitNormal.Quantile(1 - alpha/2)
	zb := distuv.UnitNormal.Quantile(power)
	n := 2 * (za + zb) * (za + zb) / (d * d)
	// Welch needs at least two observations per arm.
	return max(int(math.Ceil(n)), 2), nil
}

// MinSampleSize computes the pre-registered minimum for exp from its alpha
// (Bonferroni-adjusted for more than one treatment), power, baseline and
// minimum detectable effect. For the means test MinDetectableEffect is a
// standardized effect size.
func MinSampleSize(exp *model.Experiment) (int, error) {
	if exp.MinDetectableEffect == 0 {
		return 0, eris.New("experiment: min_detectable_effect is required when min_sample_per_variant is not set")
	}
	alpha := exp.Alpha
	if len(exp.Variants) > 2 {
		alpha /= float64(len(exp.Variants) - 1)
	}
	if exp.Test == model.TestMeans {
		return MinSampleMeans(alpha, exp.Power, math.Abs(exp.MinDetectableEffect))
	}
	return MinSampleProportions(alpha, exp.Power, exp.BaselineRate, exp.MinDetectableEffect)
}

func checkAlphaPower(alpha, power float64) error {
	if alpha <= 0 || alpha >= 1 {
		return eris.Errorf("experiment: alpha must be in (0,1), got %v", alpha)
	}
	if power <= 0 || power >= 1 {
		return eris.Errorf("experiment: power must be in (0,1), got %v", power)
	}
	return nil
}
