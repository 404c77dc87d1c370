package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Tier is the sales-likelihood classification of an inquiry.
type Tier string

const (
	TierHot      Tier = "hot"
	TierWarm     Tier = "warm"
	TierCold     Tier = "cold"
	TierRejected Tier = "rejected"
	// TierUnscored marks a candidate the classifier could not score.
	TierUnscored Tier = "unscored"
)

// ParseTier converts user input into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierHot, TierWarm, TierCold, TierRejected:
		return t, nil
	default:
		return "", eris.Errorf("unknown tier %q (want hot, warm, cold or rejected)", s)
	}
}

// Rank orders tiers for comparisons: hot > warm > cold > everything else.
func (t Tier) Rank() int {
	switch t {
	case TierHot:
		return 3
	case TierWarm:
		return 2
	case TierCold:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether t ranks at or above o.
func (t Tier) AtLeast(o Tier) bool {
	return t.Rank() >= o.Rank() && t.Rank() > 0
}

// ReviewStatus tracks whether a human needs to look at a candidate.
type ReviewStatus string

const (
	ReviewAutoAccepted ReviewStatus = "auto_accepted"
	ReviewPending      ReviewStatus = "pending_review"
	ReviewOverridden   ReviewStatus = "overridden"
)

// InquiryCandidate is a classified engagement event. Candidates are never
// deleted; an override or a higher-confidence duplicate writes a new Version
// and the previous one stops being Current.
type InquiryCandidate struct {
	InquiryID    string       `json:"inquiry_id"`
	Version      int          `json:"version"`
	EventID      string       `json:"event_id"`
	ContentID    string       `json:"content_id"`
	ActorRef     string       `json:"actor_ref"`
	Text         string       `json:"text"`
	Confidence   *float64     `json:"confidence"` // nil when unscored
	Tier         Tier         `json:"tier"`
	ReviewStatus ReviewStatus `json:"review_status"`
	Scorer       string       `json:"scorer,omitempty"`
	Note         string       `json:"note,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
	CreatedAt    time.Time    `json:"created_at"`
	Current      bool         `json:"current"`
}

// Scored reports whether the classifier produced a confidence.
func (c *InquiryCandidate) Scored() bool {
	return c.Confidence != nil
}

// ConfidenceValue returns the confidence or -1 when unscored.
func (c *InquiryCandidate) ConfidenceValue() float64 {
	if c.Confidence == nil {
		return -1
	}
	return *c.Confidence
}

// Accepted reports whether the candidate should flow into attribution.
func (c *InquiryCandidate) Accepted() bool {
	if c.Tier == TierRejected || c.Tier == TierUnscored {
		return false
	}
	return c.ReviewStatus == ReviewAutoAccepted || c.ReviewStatus == ReviewOverridden
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
