// Package analytics rolls attribution records and experiment results up
// into per-content reports and feature recommendations.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

// Store is the persistence the aggregator reads.
type Store interface {
	ListContent(ctx context.Context, filter store.ContentFilter) ([]model.ContentPiece, error)
	CountEvents(ctx context.Context, contentID string, from, to time.Time) (store.EventCounts, error)
	ListAttributions(ctx context.Context, filter store.AttributionFilter) ([]model.AttributionRecord, error)
	ListExperiments(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error)
	GetAssignment(ctx context.Context, contentID string) (*model.ExperimentAssignment, error)

	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// Config tunes aggregation.
type Config struct {
	// CheckpointEvery saves progress after this many content pieces.
	CheckpointEvery int
	// MinViews is the view count below which an engagement rate is
	// reported as insufficient data.
	MinViews int
	// PageSize is how many content pieces are read per store call.
	PageSize int
}

// DefaultConfig checkpoints every 50 pieces and needs 30 views for a rate.
func DefaultConfig() Config {
	return Config{CheckpointEvery: 50, MinViews: 30, PageSize: 200}
}

// ContentRow is the rollup of one content piece.
type ContentRow struct {
	ContentID    string    `json:"content_id"`
	Channel      string    `json:"channel,omitempty"`
	Title        string    `json:"title,omitempty"`
	PublishedAt  time.Time `json:"publish_ts"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Variant      string    `json:"variant,omitempty"`

	Views       int `json:"views"`
	Engagements int `json:"engagements"`

	EngagementRate        Metric `json:"engagement_rate"`
	AttributedInquiries   Metric `json:"attributed_inquiries"`
	InquiryConversionRate Metric `json:"inquiry_conversion_rate"`
	Revenue               Metric `json:"revenue"`
}

// Totals sums the report.
type Totals struct {
	ContentPieces       int     `json:"content_pieces"`
	Views               int     `json:"views"`
	Engagements         int     `json:"engagements"`
	Inquiries           int     `json:"inquiries"`
	UnattributedInquiry int     `json:"unattributed_inquiries"`
	AttributedRevenue   float64 `json:"attributed_revenue"`
}

// Report is the output of one aggregation.
type Report struct {
	Window          Window                  `json:"window"`
	GeneratedAt     time.Time               `json:"generated_at"`
	Totals          Totals                  `json:"totals"`
	Content         []ContentRow            `json:"content"`
	Winners         []VariantWin            `json:"winners"`
	Inconclusive    []string                `json:"inconclusive_experiments,omitempty"`
	Recommendations []FeatureRecommendation `json:"recommendations"`
	// Resumed is set when the run continued from a checkpoint.
	Resumed bool `json:"resumed,omitempty"`
}

// Aggregator builds reports.
type Aggregator struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator.
func New(st Store, cfg Config, opts ...Option) *Aggregator {
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 50
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	a := &Aggregator{store: st, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// checkpointState is the persisted partial result.
type checkpointState struct {
	Rows []ContentRow `json:"rows"`
}

func jobID(w Window) string {
	return "report:" + w.Key()
}

// Aggregate builds the report for w. Content is processed in id order and
// progress is checkpointed every CheckpointEvery pieces; a cancelled run
// saves its progress and a later run for the same window resumes after the
// last completed content_id.
func (a *Aggregator) Aggregate(ctx context.Context, w Window) (*Report, error) {
	log := zap.L().With(zap.String("window", w.Key()))

	all, err := a.store.ListAttributions(ctx, store.AttributionFilter{From: w.From, To: w.To})
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list attributions")
	}
	records := qualified(all)
	credit := creditByContent(records)

	rep := &Report{Window: w, GeneratedAt: a.now().UTC()}

	var afterID string
	cp, err := a.store.LoadCheckpoint(ctx, jobID(w))
	if err != nil {
		return nil, eris.Wrap(err, "analytics: load checkpoint")
	}
	if cp != nil {
		var st checkpointState
		if err := json.Unmarshal(cp.Data, &st); err != nil {
			return nil, eris.Wrap(err, "analytics: decode checkpoint")
		}
		rep.Content = st.Rows
		rep.Resumed = true
		afterID = cp.LastContentID
		log.Info("analytics: resuming from checkpoint",
			zap.String("last_content_id", afterID),
			zap.Int("rows", len(st.Rows)),
		)
	}

	cancelled := func() error {
		err := ctx.Err()
		if err == nil {
			return nil
		}
		if afterID != "" {
			if cerr := a.checkpoint(context.WithoutCancel(ctx), w, afterID, rep.Content); cerr != nil {
				log.Error("analytics: save checkpoint on cancel", zap.Error(cerr))
			}
		}
		return eris.Wrap(err, "analytics: aggregation cancelled")
	}

	sinceCheckpoint := 0
	for {
		if err := cancelled(); err != nil {
			return nil, err
		}
		page, err := a.store.ListContent(ctx, store.ContentFilter{AfterID: afterID, To: w.To, Limit: a.cfg.PageSize})
		if err != nil {
			return nil, eris.Wrap(err, "analytics: list content")
		}
		if len(page) == 0 {
			break
		}

		for _, piece := range page {
			if err := cancelled(); err != nil {
				return nil, err
			}

			row, err := a.contentRow(ctx, piece, w, credit)
			if err != nil {
				return nil, err
			}
			rep.Content = append(rep.Content, row)
			afterID = piece.ID

			sinceCheckpoint++
			if sinceCheckpoint >= a.cfg.CheckpointEvery {
				if err := a.checkpoint(context.WithoutCancel(ctx), w, afterID, rep.Content); err != nil {
					return nil, err
				}
				sinceCheckpoint = 0
			}
		}
		if len(page) < a.cfg.PageSize {
			break
		}
	}

	if err := a.experiments(ctx, w, rep); err != nil {
		return nil, err
	}

	rep.Totals = totals(rep.Content, records)
	if err := a.store.DeleteCheckpoint(ctx, jobID(w)); err != nil {
		return nil, eris.Wrap(err, "analytics: delete checkpoint")
	}
	log.Info("analytics: report built",
		zap.Int("content", len(rep.Content)),
		zap.Int("winners", len(rep.Winners)),
		zap.Int("recommendations", len(rep.Recommendations)),
	)
	return rep, nil
}

func (a *Aggregator) checkpoint(ctx context.Context, w Window, lastID string, rows []ContentRow) error {
	data, err := json.Marshal(checkpointState{Rows: rows})
	if err != nil {
		return eris.Wrap(err, "analytics: encode checkpoint")
	}
	if err := a.store.SaveCheckpoint(ctx, model.Checkpoint{
		JobID:         jobID(w),
		LastContentID: lastID,
		Data:          data,
		CreatedAt:     a.now().UTC(),
	}); err != nil {
		return eris.Wrap(err, "analytics: save checkpoint")
	}
	return nil
}

// qualified keeps the records that count as inquiries. Cold comments are
// attributed for audit but are not reported as inquiries or revenue.
func qualified(records []model.AttributionRecord) []model.AttributionRecord {
	out := make([]model.AttributionRecord, 0, len(records))
	for i := range records {
		if records[i].Qualified() {
			out = append(out, records[i])
		}
	}
	return out
}

type contentCredit struct {
	inquiries float64
	revenue   float64
}

func creditByContent(records []model.AttributionRecord) map[string]contentCredit {
	out := make(map[string]contentCredit)
	for _, r := range records {
		for _, t := range r.Touches {
			if t.ContentID == model.UnattributedContentID {
				continue
			}
			c := out[t.ContentID]
			c.inquiries += t.Weight
			c.revenue += t.Weight * r.EstimatedValue
			out[t.ContentID] = c
		}
	}
	return out
}

func (a *Aggregator) contentRow(ctx context.Context, piece model.ContentPiece, w Window, credit map[string]contentCredit) (ContentRow, error) {
	row := ContentRow{
		ContentID:    piece.ID,
		Channel:      piece.Channel,
		Title:        piece.Title,
		PublishedAt:  piece.PublishedAt.UTC(),
		ExperimentID: piece.ExperimentID,
		Variant:      piece.VariantTag,
	}

	assignment, err := a.store.GetAssignment(ctx, piece.ID)
	switch {
	case err == nil:
		row.ExperimentID, row.Variant = assignment.ExperimentID, assignment.Variant
	case !errors.Is(err, model.ErrNotFound):
		return row, eris.Wrapf(err, "analytics: get assignment %s", piece.ID)
	}

	counts, err := a.store.CountEvents(ctx, piece.ID, w.From, w.To)
	if err != nil {
		return row, eris.Wrapf(err, "analytics: count events %s", piece.ID)
	}
	row.Views, row.Engagements = counts.Views, counts.Engagements

	if row.Views > 0 && row.Views >= a.cfg.MinViews {
		row.EngagementRate = Known(float64(row.Engagements) / float64(row.Views))
	}

	c, ok := credit[piece.ID]
	if !ok || c.inquiries == 0 {
		return row, nil
	}
	row.AttributedInquiries = Known(c.inquiries)
	row.Revenue = Known(c.revenue)
	if row.Engagements > 0 {
		row.InquiryConversionRate = Known(c.inquiries / float64(row.Engagements))
	}
	return row, nil
}

func totals(rows []ContentRow, records []model.AttributionRecord) Totals {
	t := Totals{ContentPieces: len(rows), Inquiries: len(records)}
	for _, r := range rows {
		t.Views += r.Views
		t.Engagements += r.Engagements
	}
	for _, r := range records {
		if r.Unattributed {
			t.UnattributedInquiry++
			continue
		}
		t.AttributedRevenue += r.EstimatedValue
	}
	return t
}
