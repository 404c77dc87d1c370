// Package classifier scores free-text engagement events for consultation
// intent and turns them into tiered inquiry candidates.
package classifier

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// Scorer estimates the probability that text is a consultation inquiry.
// Implementations are interchangeable; the classifier only sees the number.
type Scorer interface {
	Name() string
	Score(ctx context.Context, text string) (float64, error)
}

// boundaryEpsilon makes confidences that land on a threshold after float
// rounding count as the higher tier.
const boundaryEpsilon = 1e-9

// Thresholds map a confidence onto a tier.
type Thresholds struct {
	Hot  float64
	Warm float64
	// ReviewMargin is the band just below Hot and Warm that is routed to
	// human review instead of being auto-accepted.
	ReviewMargin float64
}

// DefaultThresholds returns Hot ≥ 0.85, Warm ≥ 0.55 with a 0.02 review band.
func DefaultThresholds() Thresholds {
	return Thresholds{Hot: 0.85, Warm: 0.55, ReviewMargin: 0.02}
}

// Validate checks 0 < Warm < Hot ≤ 1 and a margin narrower than the Warm band.
func (t Thresholds) Validate() error {
	if t.Warm <= 0 || t.Hot > 1 || t.Warm >= t.Hot {
		return eris.Errorf("classifier: invalid thresholds hot=%v warm=%v", t.Hot, t.Warm)
	}
	if t.ReviewMargin < 0 || t.ReviewMargin >= t.Hot-t.Warm {
		return eris.Errorf("classifier: invalid review margin %v", t.ReviewMargin)
	}
	return nil
}

// Tier classifies conf. Ties at a boundary round toward the higher tier.
func (t Thresholds) Tier(conf float64) model.Tier {
	switch {
	case conf >= t.Hot-boundaryEpsilon:
		return model.TierHot
	case conf >= t.Warm-boundaryEpsilon:
		return model.TierWarm
	default:
		return model.TierCold
	}
}

// Borderline reports whether conf falls in the review band just below the
// Hot or Warm threshold.
func (t Thresholds) Borderline(conf float64) bool {
	if t.ReviewMargin <= 0 {
		return false
	}
	for _, th := range []float64{t.Hot, t.Warm} {
		if conf < th-boundaryEpsilon && conf >= th-t.ReviewMargin-boundaryEpsilon {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
