package ingest

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// columns maps a normalized header name to its column index.
type columns map[string]int

func newColumns(header []string) columns {
	c := make(columns, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.ReplaceAll(key, " ", "_")
		if _, dup := c[key]; !dup {
			c[key] = i
		}
	}
	return c
}

// get returns the first present column among names.
func (c columns) get(rec []string, names ...string) string {
	for _, n := range names {
		if i, ok := c[n]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
	}
	return ""
}

func (c columns) require(names ...string) error {
	for _, n := range names {
		if _, ok := c[n]; !ok {
			return eris.Errorf("ingest: missing column %q", n)
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"1/2/2006 15:04",
	"1/2/2006",
}

// parseTime accepts RFC 3339 and the common spreadsheet layouts. Values
// without a zone are UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unparseable timestamp %q", s)
}

func eventFromRecord(c columns, rec []string) (model.EngagementEvent, error) {
	e := model.EngagementEvent{
		ID:        c.get(rec, "id", "event_id"),
		ContentID: c.get(rec, "content_id"),
		ActorRef:  c.get(rec, "actor_ref", "actor"),
		Type:      model.EventType(strings.ToLower(c.get(rec, "event_type", "type"))),
		Text:      c.get(rec, "text"),
	}
	if ts := c.get(rec, "ts", "timestamp", "occurred_at"); ts != "" {
		t, err := parseTime(ts)
		if err != nil {
			return e, err
		}
		e.OccurredAt = t
	}
	return e, nil
}

func contentFromRecord(c columns, rec []string) (model.ContentPiece, error) {
	p := model.ContentPiece{
		ID:           c.get(rec, "content_id", "id"),
		Channel:      c.get(rec, "channel"),
		VariantTag:   c.get(rec, "variant_tag", "variant"),
		Title:        c.get(rec, "title"),
		ExperimentID: c.get(rec, "experiment_id", "experiment"),
	}
	if ts := c.get(rec, "publish_ts", "published_at", "published"); ts != "" {
		t, err := parseTime(ts)
		if err != nil {
			return p, err
		}
		p.PublishedAt = t
	}
	return p, nil
}
