package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// EventType is the kind of engagement a platform connector reports.
type EventType string

const (
	EventView    EventType = "view"
	EventComment EventType = "comment"
	EventShare   EventType = "share"
	EventMessage EventType = "message"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventView, EventComment, EventShare, EventMessage:
		return true
	default:
		return false
	}
}

// IsEngagement returns true for active engagement (everything except a view).
func (t EventType) IsEngagement() bool {
	return t.Valid() && t != EventView
}

// ContentPiece is a published piece of content as reported by the
// scheduling system. Immutable once published.
type ContentPiece struct {
	ID           string    `json:"content_id"`
	PublishedAt  time.Time `json:"publish_ts"`
	Channel      string    `json:"channel"`
	VariantTag   string    `json:"variant_tag,omitempty"`
	Title        string    `json:"title,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
}

// Validate checks the fields required by the metadata feed contract.
func (c ContentPiece) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return eris.New("content: content_id is required")
	}
	if c.PublishedAt.IsZero() {
		return eris.Errorf("content %s: publish_ts is required", c.ID)
	}
	return nil
}

// EngagementEvent is a single interaction of an actor with a content piece.
// Events are append-only.
type EngagementEvent struct {
	ID         string    `json:"id,omitempty"`
	ContentID  string    `json:"content_id"`
	ActorRef   string    `json:"actor_ref"`
	Type       EventType `json:"event_type"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"ts"`
}

// HasText reports whether the event carries non-blank free text.
func (e EngagementEvent) HasText() bool {
	return strings.TrimSpace(e.Text) != ""
}

// Validate checks the fields required by the engagement feed contract.
func (e EngagementEvent) Validate() error {
	if strings.TrimSpace(e.ContentID) == "" {
		return eris.New("event: content_id is required")
	}
	if strings.TrimSpace(e.ActorRef) == "" {
		return eris.New("event: actor_ref is required")
	}
	if !e.Type.Valid() {
		return eris.Errorf("event: unknown event_type %q", e.Type)
	}
	if e.OccurredAt.IsZero() {
		return eris.New("event: ts is required")
	}
	return nil
}

// EnsureID fills in a deterministic ID when the connector did not supply
// one, so re-ingesting the same batch never duplicates events.
func (e *EngagementEvent) EnsureID() {
	if e.ID != "" {
		return
	}
	h := sha256.New()
	for _, part := range []string{
		e.ContentID, e.ActorRef, string(e.Type),
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Text,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	e.ID = "evt_" + hex.EncodeToString(h.Sum(nil))[:24]
}
