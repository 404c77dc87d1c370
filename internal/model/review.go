package model

import (
	"encoding/json"
	"time"
)

// ReviewKind identifies why an item needs human attention.
type ReviewKind string

const (
	ReviewUnscored             ReviewKind = "unscored"
	ReviewBorderline           ReviewKind = "borderline"
	ReviewAttributionAmbiguous ReviewKind = "attribution_ambiguous"
)

// ReviewItem is an entry in the single "needs review" surface. Context
// carries whatever a reviewer needs to resolve it without digging.
type ReviewItem struct {
	ID         string          `json:"id"`
	Kind       ReviewKind      `json:"kind"`
	RefID      string          `json:"ref_id"`
	Summary    string          `json:"summary"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ReviewContext is the structured context stored with a review item.
type ReviewContext struct {
	Text       string            `json:"text,omitempty"`
	Confidence *float64          `json:"confidence"`
	Tier       Tier              `json:"tier,omitempty"`
	Signals    []string          `json:"signals,omitempty"`
	Error      string            `json:"error,omitempty"`
	Touches    []EngagementEvent `json:"touches,omitempty"`
	Conflicts  []string          `json:"conflicts,omitempty"`
}

// Checkpoint is the resume state of a long-running job.
type Checkpoint struct {
	JobID         string    `json:"job_id"`
	LastContentID string    `json:"last_content_id"`
	Data          []byte    `json:"data"`
	CreatedAt     time.Time `json:"created_at"`
}
