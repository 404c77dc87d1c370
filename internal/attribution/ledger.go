package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/keylock"
	"github.com/sells-group/leadflow/internal/metrics"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
)

// ErrNotAccepted is returned for candidates that are rejected, unscored or
// still waiting for review.
var ErrNotAccepted = eris.New("candidate not accepted for attribution")

// Store is the persistence the ledger needs.
type Store interface {
	GetCandidate(ctx context.Context, inquiryID string) (*model.InquiryCandidate, error)
	ListEvents(ctx context.Context, filter store.EventFilter) ([]model.EngagementEvent, error)
	GetContent(ctx context.Context, id string) (*model.ContentPiece, error)
	PendingAttributions(ctx context.Context, limit int) ([]string, error)
	AckAttribution(ctx context.Context, inquiryID string) error

	GetAttribution(ctx context.Context, inquiryID string) (*model.AttributionRecord, error)
	SaveAttribution(ctx context.Context, rec *model.AttributionRecord) (*model.AttributionRecord, bool, error)
	SetManualValue(ctx context.Context, inquiryID string, value float64) error
	GetManualValue(ctx context.Context, inquiryID string) (*float64, error)
	MarkLeadAlerted(ctx context.Context, inquiryID string, version int) (bool, error)

	AddReviewItem(ctx context.Context, item *model.ReviewItem) error
}

// Notifier delivers qualified-lead alerts.
type Notifier interface {
	Notify(ctx context.Context, alert model.LeadAlert) error
}

// Config tunes the ledger.
type Config struct {
	Params Params
	Values ValueTable
	// AlertTier is the lowest tier that produces a lead alert.
	AlertTier model.Tier
}

// DefaultConfig alerts on Warm and above with the default decay and values.
func DefaultConfig() Config {
	return Config{Params: DefaultParams(), Values: DefaultValues(), AlertTier: model.TierWarm}
}

// Outcome is the result of one attribution run.
type Outcome struct {
	Record *model.AttributionRecord
	// Written is false when the inputs were unchanged and the stored record
	// was returned as is.
	Written   bool
	Ambiguous bool
	Alerted   bool
}

// Ledger computes and stores attribution records. Work on one inquiry is
// serialized; different inquiries run in parallel.
type Ledger struct {
	store    Store
	cfg      Config
	notifier Notifier
	locks    *keylock.Locker
	now      func() time.Time
}

// NewLedger creates a Ledger. notifier may be nil.
func NewLedger(st Store, cfg Config, notifier Notifier) *Ledger {
	if cfg.Values == nil {
		cfg.Values = DefaultValues()
	}
	if cfg.AlertTier == "" {
		cfg.AlertTier = model.TierWarm
	}
	return &Ledger{
		store:    st,
		cfg:      cfg,
		notifier: notifier,
		locks:    keylock.New(),
		now:      time.Now,
	}
}

// Attribute (re)computes the record of one inquiry. Unchanged inputs return
// the stored record untouched; changed inputs write a superseding version.
// Ambiguous records are stored and flagged for review, not failed.
func (l *Ledger) Attribute(ctx context.Context, inquiryID string) (*Outcome, error) {
	unlock := l.locks.Lock(inquiryID)
	defer unlock()

	cand, err := l.store.GetCandidate(ctx, inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "attribution: get candidate %s", inquiryID)
	}
	if cand.Tier == model.TierRejected {
		return l.void(ctx, cand)
	}
	if !cand.Accepted() {
		return nil, eris.Wrapf(ErrNotAccepted, "attribution: %s is %s/%s", inquiryID, cand.Tier, cand.ReviewStatus)
	}

	events, err := l.store.ListEvents(ctx, store.EventFilter{
		ActorRef: cand.ActorRef,
		From:     cand.OccurredAt.Add(-l.cfg.Params.Window()),
		To:       cand.OccurredAt,
	})
	if err != nil {
		return nil, eris.Wrap(err, "attribution: list touches")
	}

	known, err := l.knownContent(ctx, events)
	if err != nil {
		return nil, err
	}

	manual, err := l.store.GetManualValue(ctx, inquiryID)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: get manual value")
	}

	rec := Compute(cand, events, func(id string) bool { return known[id] }, l.cfg.Params, l.cfg.Values, manual)
	rec.CreatedAt = l.now().UTC()

	stored, written, err := l.store.SaveAttribution(ctx, &rec)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: save record")
	}

	out := &Outcome{Record: stored, Written: written, Ambiguous: stored.NeedsFollowUp}
	switch {
	case !written:
		metrics.AttributionsTotal.WithLabelValues("unchanged").Inc()
	case stored.NeedsFollowUp:
		metrics.AttributionsTotal.WithLabelValues("ambiguous").Inc()
		if err := l.flag(ctx, cand, stored, events); err != nil {
			return nil, err
		}
	default:
		metrics.AttributionsTotal.WithLabelValues("written").Inc()
	}

	out.Alerted = l.alert(ctx, cand, stored)
	return out, nil
}

// void supersedes the current record of a rejected inquiry with a
// zero-value version so reports and experiment samples stop counting it.
// An inquiry that was never attributed has nothing to void.
func (l *Ledger) void(ctx context.Context, cand *model.InquiryCandidate) (*Outcome, error) {
	cur, err := l.store.GetAttribution(ctx, cand.InquiryID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(ErrNotAccepted, "attribution: %s was rejected", cand.InquiryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "attribution: get current record")
	}

	rec := *cur
	rec.Tier = model.TierRejected
	rec.EstimatedValue = 0
	rec.NeedsFollowUp = false
	rec.Conflicts = nil
	rec.Fingerprint = voidFingerprint(cur.Fingerprint)
	rec.CreatedAt = l.now().UTC()

	stored, written, err := l.store.SaveAttribution(ctx, &rec)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: save voided record")
	}
	if written {
		metrics.AttributionsTotal.WithLabelValues("voided").Inc()
		zap.L().Info("attribution: record voided",
			zap.String("inquiry_id", cand.InquiryID),
			zap.Int("version", stored.Version),
		)
	}
	return &Outcome{Record: stored, Written: written}, nil
}

// voidFingerprint is stable across repeated voids of the same record.
func voidFingerprint(fp string) string {
	if strings.HasPrefix(fp, "void:") {
		return fp
	}
	return "void:" + fp
}

// knownContent looks up each distinct touched content id in the catalog.
func (l *Ledger) knownContent(ctx context.Context, events []model.EngagementEvent) (map[string]bool, error) {
	known := make(map[string]bool)
	seen := make(map[string]bool)
	for _, e := range events {
		if seen[e.ContentID] {
			continue
		}
		seen[e.ContentID] = true
		_, err := l.store.GetContent(ctx, e.ContentID)
		switch {
		case err == nil:
			known[e.ContentID] = true
		case errors.Is(err, model.ErrNotFound):
		default:
			return nil, eris.Wrapf(err, "attribution: get content %s", e.ContentID)
		}
	}
	return known, nil
}

func (l *Ledger) flag(ctx context.Context, cand *model.InquiryCandidate, rec *model.AttributionRecord, events []model.EngagementEvent) error {
	rc, err := json.Marshal(model.ReviewContext{
		Text:       cand.Text,
		Confidence: cand.Confidence,
		Tier:       cand.Tier,
		Touches:    Touches(cand, events, l.cfg.Params),
		Conflicts:  rec.Conflicts,
	})
	if err != nil {
		return eris.Wrap(err, "attribution: marshal review context")
	}

	summary := "Inquiry " + rec.InquiryID + " has touches on unknown content"
	if rec.Unattributed {
		summary = "Inquiry " + rec.InquiryID + " has no qualifying touches"
	}
	item := &model.ReviewItem{
		ID:        uuid.NewString(),
		Kind:      model.ReviewAttributionAmbiguous,
		RefID:     rec.InquiryID,
		Summary:   summary,
		Context:   rc,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.AddReviewItem(ctx, item); err != nil {
		return eris.Wrap(err, "attribution: add review item")
	}
	return nil
}

// alert sends a lead alert once per record version for qualifying tiers.
// Delivery failures are logged; the ledger result stands.
func (l *Ledger) alert(ctx context.Context, cand *model.InquiryCandidate, rec *model.AttributionRecord) bool {
	if l.notifier == nil || !rec.Tier.AtLeast(l.cfg.AlertTier) {
		return false
	}

	claimed, err := l.store.MarkLeadAlerted(ctx, rec.InquiryID, rec.Version)
	if err != nil {
		zap.L().Error("attribution: mark lead alerted", zap.String("inquiry_id", rec.InquiryID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	alert := model.LeadAlert{
		InquiryID:            rec.InquiryID,
		Version:              rec.Version,
		Tier:                 rec.Tier,
		Confidence:           cand.Confidence,
		AttributedContentIDs: rec.ContentIDs(),
		EstimatedValue:       rec.EstimatedValue,
		ActorRef:             cand.ActorRef,
		Text:                 cand.Text,
	}
	if err := l.notifier.Notify(ctx, alert); err != nil {
		zap.L().Error("attribution: lead alert failed",
			zap.String("inquiry_id", rec.InquiryID),
			zap.Int("version", rec.Version),
			zap.Error(err),
		)
		return false
	}
	return true
}

// SetManualValue stores a manual consultation value and re-attributes the
// inquiry so the record carries it.
func (l *Ledger) SetManualValue(ctx context.Context, inquiryID string, value float64) (*Outcome, error) {
	if value < 0 {
		return nil, eris.Errorf("attribution: manual value must be non-negative, got %v", value)
	}
	if err := l.store.SetManualValue(ctx, inquiryID, value); err != nil {
		return nil, eris.Wrap(err, "attribution: set manual value")
	}
	return l.Attribute(ctx, inquiryID)
}

// PendingResult tallies an inbound-queue drain.
type PendingResult struct {
	Processed int `json:"processed"`
	Written   int `json:"written"`
	Unchanged int `json:"unchanged"`
	Ambiguous int `json:"ambiguous"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Alerted   int `json:"alerted"`
}

// Partial reports whether anything needs attention.
func (r *PendingResult) Partial() bool {
	return r.Ambiguous > 0 || r.Failed > 0
}

// AttributePending drains the inbound queue in batches of batchSize.
// Failures stay queued for the next run; candidates that are no longer
// accepted are acknowledged and skipped.
func (l *Ledger) AttributePending(ctx context.Context, batchSize int) (*PendingResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	res := &PendingResult{}
	failed := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ids, err := l.store.PendingAttributions(ctx, batchSize+len(failed))
		if err != nil {
			return res, eris.Wrap(err, "attribution: list pending")
		}

		progressed := false
		for _, id := range ids {
			if failed[id] {
				continue
			}
			progressed = true
			res.Processed++

			out, err := l.Attribute(ctx, id)
			switch {
			case err == nil:
				switch {
				case !out.Written:
					res.Unchanged++
				case out.Ambiguous:
					res.Ambiguous++
				default:
					res.Written++
				}
				if out.Alerted {
					res.Alerted++
				}
			case errors.Is(err, ErrNotAccepted) || errors.Is(err, model.ErrNotFound):
				res.Skipped++
			default:
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				zap.L().Error("attribution: inquiry failed", zap.String("inquiry_id", id), zap.Error(err))
				res.Failed++
				failed[id] = true
				continue
			}

			if err := l.store.AckAttribution(ctx, id); err != nil {
				return res, eris.Wrapf(err, "attribution: ack %s", id)
			}
		}

		if !progressed {
			return res, nil
		}
	}
}
