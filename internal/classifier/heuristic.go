package classifier

import (
	"context"
	"regexp"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// signal is one piece of evidence of buying intent. Weight is the
// probability contributed when the pattern matches on its own.
type signal struct {
	name    string
	pattern *regexp.Regexp
	weight  float64
}

var intentSignals = []signal{
	{"meeting", regexp.MustCompile(`\b(schedule|book|set up|arrange|hop on|jump on|have)\b.{0,24}\b(call|meeting|chat|demo|consultation|intro)\b`), 0.60},
	{"amount", regexp.MustCompile(`\$\s?\d[\d,.]*\s?(k|m|mm|million|thousand)?`), 0.45},
	{"pricing", regexp.MustCompile(`\b(pricing|price|cost|quote|rates?|budget|fees?)\b`), 0.40},
	{"need", regexp.MustCompile(`\b(we need|we're looking|we are looking|i'm looking|i am looking|our (team|company|firm|board)|looking for (help|someone|a partner))\b`), 0.35},
	{"contact", regexp.MustCompile(`\b(contact|reach out|get in touch|email me|call me|send me|connect with (you|your))\b`), 0.35},
	{"service", regexp.MustCompile(`\b(engagement|consult(ing|ation|ant)?|retainer|proposal|project|scope|hire|advis(e|ory|or)|services?)\b`), 0.30},
	{"discuss", regexp.MustCompile(`\b(discuss|talk about|talk through|learn more|interested in)\b`), 0.25},
	{"timeline", regexp.MustCompile(`\b(this (week|month|quarter)|next (week|month|quarter)|asap|urgent(ly)?|by (q[1-4]|year[- ]end))\b`), 0.20},
	{"question", regexp.MustCompile(`\b(can|could|would|do|does) (you|we|your)\b.*\?`), 0.15},
}

// spamSignals dampen the score of promotional or off-topic text.
var spamSignals = regexp.MustCompile(`\b(follow (me|back)|check (out )?my (page|profile|channel)|giveaway|promo code|crypto|forex|subscribe to my)\b`)

const (
	baseRate   = 0.02
	spamDampen = 0.25
)

// HeuristicScorer combines keyword signals with a noisy-OR: each matched
// signal independently "explains" the inquiry with its weight.
type HeuristicScorer struct{}

// NewHeuristicScorer creates a scorer using the built-in signal table.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// Name implements Scorer.
func (h *HeuristicScorer) Name() string { return "heuristic" }

// Score implements Scorer. It never fails except on a done context.
func (h *HeuristicScorer) Score(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	normalized := h.normalize(text)

	miss := 1 - baseRate
	for _, s := range intentSignals {
		if s.pattern.MatchString(normalized) {
			miss *= 1 - s.weight
		}
	}
	conf := 1 - miss
	if spamSignals.MatchString(normalized) {
		conf *= spamDampen
	}
	return clamp01(conf), nil
}

// Signals lists the names of matched intent signals, for review context.
func (h *HeuristicScorer) Signals(text string) []string {
	normalized := h.normalize(text)
	var names []string
	for _, s := range intentSignals {
		if s.pattern.MatchString(normalized) {
			names = append(names, s.name)
		}
	}
	return names
}

// normalize applies NFKC (full-width digits, ligatures, fancy "＄") and
// Unicode case folding. Casers keep state, so one is created per call.
func (h *HeuristicScorer) normalize(text string) string {
	return cases.Fold().String(norm.NFKC.String(text))
}
