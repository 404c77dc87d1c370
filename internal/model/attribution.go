package model

import "time"

// UnattributedContentID is the synthetic content reference used when an
// inquiry has no qualifying touches.
const UnattributedContentID = "unattributed"

// WeightTolerance is the allowed drift of an attribution weight sum from 1.0.
const WeightTolerance = 1e-6

// TouchWeight is the share of an inquiry credited to one content piece.
type TouchWeight struct {
	ContentID string  `json:"content_id"`
	Weight    float64 `json:"weight"`
}

// ValueSource records where an attribution's consultation value came from.
type ValueSource string

const (
	ValueFromTable  ValueSource = "table"
	ValueFromManual ValueSource = "manual"
)

// AttributionRecord maps one inquiry to the content that produced it.
// Exactly one record per inquiry is Current; older versions are kept for audit.
type AttributionRecord struct {
	InquiryID      string        `json:"inquiry_id"`
	Version        int           `json:"version"`
	Touches        []TouchWeight `json:"touches"`
	EstimatedValue float64       `json:"estimated_value"`
	ValueSource    ValueSource   `json:"value_source"`
	Tier           Tier          `json:"tier"`
	OccurredAt     time.Time     `json:"occurred_at"`
	WindowDays     int           `json:"window_days"`
	Lambda         float64       `json:"lambda"`
	TouchCount     int           `json:"touch_count"`
	Unattributed   bool          `json:"unattributed"`
	NeedsFollowUp  bool          `json:"needs_follow_up"`
	Conflicts      []string      `json:"conflicts,omitempty"`
	Fingerprint    string        `json:"fingerprint"`
	CreatedAt      time.Time     `json:"created_at"`
	Current        bool          `json:"current"`
}

// WeightSum returns the sum of all touch weights.
func (r *AttributionRecord) WeightSum() float64 {
	var sum float64
	for _, t := range r.Touches {
		sum += t.Weight
	}
	return sum
}

// ContentIDs lists the credited content, excluding the unattributed marker.
func (r *AttributionRecord) ContentIDs() []string {
	ids := make([]string, 0, len(r.Touches))
	for _, t := range r.Touches {
		if t.ContentID == UnattributedContentID {
			continue
		}
		ids = append(ids, t.ContentID)
	}
	return ids
}

// Qualified reports whether the record counts as a sales inquiry in
// reports and revenue: Warm and above. Cold and voided records do not.
func (r *AttributionRecord) Qualified() bool {
	return r.Tier.AtLeast(TierWarm)
}

// WeightFor returns the weight credited to contentID (0 if absent).
func (r *AttributionRecord) WeightFor(contentID string) float64 {
	for _, t := range r.Touches {
		if t.ContentID == contentID {
			return t.Weight
		}
	}
	return 0
}

// LeadAlert is the payload delivered to CRM/notification sinks for
// qualified inquiries.
type LeadAlert struct {
	InquiryID            string   `json:"inquiry_id"`
	Version              int      `json:"version"`
	Tier                 Tier     `json:"tier"`
	Confidence           *float64 `json:"confidence"`
	AttributedContentIDs []string `json:"attributed_content_ids"`
	EstimatedValue       float64  `json:"estimated_value"`
	ActorRef             string   `json:"actor_ref,omitempty"`
	Text                 string   `json:"text,omitempty"`
}
