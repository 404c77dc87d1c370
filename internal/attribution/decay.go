package attribution

import (
	"math"
	"time"
)

// LambdaForHalfLife returns the decay rate at which a touch halfLifeDays old
// carries half the weight of a same-day touch.
func LambdaForHalfLife(halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 7
	}
	return math.Ln2 / halfLifeDays
}

// RawWeight is exp(-λ·age) with age in fractional days between the touch
// and the inquiry. Touches at or after the inquiry get full weight.
func RawWeight(touchAt, inquiryAt time.Time, lambda float64) float64 {
	ageDays := inquiryAt.Sub(touchAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Exp(-lambda * ageDays)
}
