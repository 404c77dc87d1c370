package experiment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

// Samples collects per-variant observations for exp between its start and
// until.
//
//   - engagement_rate: engagements over views.
//   - inquiry_rate: accepted Warm+ inquiries over engagements.
//   - attributed_revenue: weight x estimated value of current Warm+
//     attribution records.
//
// Rate tests pool trials and successes across the variant's content; mean
// tests use one value per content piece (pieces without a defined rate are
// left out).
func (e *Engine) Samples(ctx context.Context, exp *model.Experiment, until time.Time) (map[string]*Sample, error) {
	assignments, err := e.store.ListAssignments(ctx, exp.ID)
	if err != nil {
		return nil, eris.Wrap(err, "experiment: list assignments")
	}

	var from time.Time
	if exp.StartAt != nil {
		from = *exp.StartAt
	}

	var revenue map[string]float64
	if exp.Metric == model.MetricAttributedRevenue {
		if revenue, err = e.revenueByContent(ctx, from, until); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*Sample, len(exp.Variants))
	for _, v := range exp.Variants {
		out[v.Name] = &Sample{}
	}

	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, ok := out[a.Variant]
		if !ok {
			continue
		}

		if revenue != nil {
			s.Values = append(s.Values, revenue[a.ContentID])
			continue
		}

		counts, err := e.store.CountEvents(ctx, a.ContentID, from, until)
		if err != nil {
			return nil, eris.Wrapf(err, "experiment: count events %s", a.ContentID)
		}

		var trials int
		var successes float64
		switch exp.Metric {
		case model.MetricEngagementRate:
			trials, successes = counts.Views, float64(counts.Engagements)
		case model.MetricInquiryRate:
			n, err := e.inquiries(ctx, a.ContentID, from, until)
			if err != nil {
				return nil, err
			}
			trials, successes = counts.Engagements, float64(n)
		}

		if exp.Test == model.TestMeans {
			if trials > 0 {
				s.Values = append(s.Values, successes/float64(trials))
			}
			continue
		}
		s.Trials += trials
		s.Successes += successes
	}
	return out, nil
}

func (e *Engine) inquiries(ctx context.Context, contentID string, from, to time.Time) (int, error) {
	cands, err := e.store.ListCandidates(ctx, store.CandidateFilter{ContentID: contentID, From: from, To: to})
	if err != nil {
		return 0, eris.Wrapf(err, "experiment: list candidates %s", contentID)
	}
	var n int
	for i := range cands {
		if cands[i].Accepted() && cands[i].Tier.AtLeast(model.TierWarm) {
			n++
		}
	}
	return n, nil
}

func (e *Engine) revenueByContent(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	recs, err := e.store.ListAttributions(ctx, store.AttributionFilter{From: from, To: to})
	if err != nil {
		return nil, eris.Wrap(err, "experiment: list attributions")
	}
	out := make(map[string]float64)
	for _, r := range recs {
		if !r.Qualified() {
			continue
		}
		for _, t := range r.Touches {
			out[t.ContentID] += t.Weight * r.EstimatedValue
		}
	}
	return out, nil
}
