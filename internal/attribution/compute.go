// Package attribution maps accepted inquiries back to the content that
// produced them using time-decayed multi-touch weighting.
package attribution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/leadflow/internal/model"
)

// Params control touch selection and decay.
type Params struct {
	WindowDays int
	Lambda     float64
}

// DefaultParams returns a 30 day window with a 7 day half-life.
func DefaultParams() Params {
	return Params{WindowDays: 30, Lambda: LambdaForHalfLife(7)}
}

// Window returns the lookback duration.
func (p Params) Window() time.Duration {
	return time.Duration(p.WindowDays) * 24 * time.Hour
}

// ValueTable maps tiers to an estimated consultation value.
type ValueTable map[model.Tier]float64

// DefaultValues returns Hot $50K and Warm $15K. Cold inquiries carry no
// value unless configured or entered manually.
func DefaultValues() ValueTable {
	return ValueTable{
		model.TierHot:  50000,
		model.TierWarm: 15000,
		model.TierCold: 0,
	}
}

// ValuesFromConfig converts a string-keyed table from configuration.
func ValuesFromConfig(m map[string]float64) ValueTable {
	if len(m) == 0 {
		return DefaultValues()
	}
	vt := make(ValueTable, len(m))
	for k, v := range m {
		vt[model.Tier(k)] = v
	}
	return vt
}

// Touches selects the events that qualify as touches of the inquiry: same
// actor, inside [inquiry-window, inquiry], excluding the inquiry's own event.
// The result is ordered by time, then id.
func Touches(cand *model.InquiryCandidate, events []model.EngagementEvent, p Params) []model.EngagementEvent {
	from := cand.OccurredAt.Add(-p.Window())
	var out []model.EngagementEvent
	for _, e := range events {
		if e.ActorRef != cand.ActorRef || e.ID == cand.EventID {
			continue
		}
		if e.OccurredAt.Before(from) || e.OccurredAt.After(cand.OccurredAt) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Compute builds the attribution record for cand from its touches. known
// reports whether a content id exists in the content catalog; touches on
// unknown content are excluded and listed as conflicts. The value fields
// are filled from values unless manual is non-nil. Compute is pure: the
// same inputs always produce the same record, fingerprint included.
func Compute(cand *model.InquiryCandidate, events []model.EngagementEvent, known func(string) bool, p Params, values ValueTable, manual *float64) model.AttributionRecord {
	touches := Touches(cand, events, p)

	rec := model.AttributionRecord{
		InquiryID:  cand.InquiryID,
		Tier:       cand.Tier,
		OccurredAt: cand.OccurredAt.UTC(),
		WindowDays: p.WindowDays,
		Lambda:     p.Lambda,
	}

	raw := make(map[string]float64)
	conflicts := make(map[string]bool)
	for _, t := range touches {
		if known != nil && !known(t.ContentID) {
			conflicts[t.ContentID] = true
			continue
		}
		raw[t.ContentID] += RawWeight(t.OccurredAt, cand.OccurredAt, p.Lambda)
		rec.TouchCount++
	}
	for id := range conflicts {
		rec.Conflicts = append(rec.Conflicts, id)
	}
	sort.Strings(rec.Conflicts)

	rec.Touches = normalize(raw)
	if len(rec.Touches) == 0 {
		rec.Touches = []model.TouchWeight{{ContentID: model.UnattributedContentID, Weight: 1}}
		rec.Unattributed = true
	}
	rec.NeedsFollowUp = rec.Unattributed || len(rec.Conflicts) > 0

	if manual != nil {
		rec.EstimatedValue = *manual
		rec.ValueSource = model.ValueFromManual
	} else {
		rec.EstimatedValue = values[cand.Tier]
		rec.ValueSource = model.ValueFromTable
	}

	rec.Fingerprint = fingerprint(&rec, touches)
	return rec
}

// normalize turns per-content raw weights into shares summing to 1, ordered
// by weight descending, then content id.
func normalize(raw map[string]float64) []model.TouchWeight {
	if len(raw) == 0 {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var total float64
	for _, id := range ids {
		total += raw[id]
	}

	out := make([]model.TouchWeight, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.TouchWeight{ContentID: id, Weight: raw[id] / total})
	}
	if len(out) == 1 {
		out[0].Weight = 1
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	return out
}

// fingerprint hashes every input that can change the record.
func fingerprint(rec *model.AttributionRecord, touches []model.EngagementEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s\n",
		rec.InquiryID, rec.Tier, rec.OccurredAt.Format(time.RFC3339Nano), rec.WindowDays,
		strconv.FormatFloat(rec.Lambda, 'g', -1, 64),
		strconv.FormatFloat(rec.EstimatedValue, 'g', -1, 64), rec.ValueSource)
	for _, t := range touches {
		fmt.Fprintf(h, "t|%s|%s|%s\n", t.ID, t.ContentID, t.OccurredAt.UTC().Format(time.RFC3339Nano))
	}
	for _, c := range rec.Conflicts {
		fmt.Fprintf(h, "c|%s\n", c)
	}
	return hex.EncodeToString(h.Sum(nil))
}
