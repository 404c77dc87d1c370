package analytics

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Window is an inclusive reporting range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Key identifies the window for checkpointing.
func (w Window) Key() string {
	return w.From.UTC().Format(time.RFC3339) + ".." + w.To.UTC().Format(time.RFC3339)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// ParseWindow accepts "30d" (the trailing days ending at now), "12h", or an
// explicit "FROM..TO" range of RFC 3339 timestamps or YYYY-MM-DD dates. A
// date-only TO covers the whole day.
func ParseWindow(s string, now time.Time) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, eris.New("analytics: empty window")
	}

	if from, to, ok := strings.Cut(s, ".."); ok {
		f, _, err := parseBound(from)
		if err != nil {
			return Window{}, err
		}
		t, dateOnly, err := parseBound(to)
		if err != nil {
			return Window{}, err
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		if t.Before(f) {
			return Window{}, eris.Errorf("analytics: window %q ends before it starts", s)
		}
		return Window{From: f, To: t}, nil
	}

	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return Window{}, eris.Errorf("analytics: invalid window %q", s)
		}
		return Window{From: now.Add(-time.Duration(days) * 24 * time.Hour).UTC(), To: now.UTC()}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return Window{}, eris.Errorf("analytics: invalid window %q", s)
	}
	return Window{From: now.Add(-d).UTC(), To: now.UTC()}, nil
}

func parseBound(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, eris.Errorf("analytics: invalid window bound %q", s)
	}
	return t.UTC(), false, nil
}
