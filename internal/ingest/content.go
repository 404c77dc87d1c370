package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/experiment"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/pkg/notion"
)

// ContentStore persists content metadata.
type ContentStore interface {
	SaveContent(ctx context.Context, pieces ...model.ContentPiece) (int, error)
}

// Assigner hands out experiment variants.
type Assigner interface {
	AssignOrGet(ctx context.Context, req experiment.AssignRequest) (*model.ExperimentAssignment, error)
}

// ImportResult summarizes a content import.
type ImportResult struct {
	Received int `json:"received"`
	Saved    int `json:"saved"`
	Assigned int `json:"assigned"`
	Skipped  int `json:"skipped"`
}

// ContentImporter stores content pieces and assigns the ones that name an
// experiment at creation time.
type ContentImporter struct {
	store    ContentStore
	assigner Assigner
}

// NewContentImporter creates a ContentImporter. A nil assigner disables
// assignment.
func NewContentImporter(st ContentStore, a Assigner) *ContentImporter {
	return &ContentImporter{store: st, assigner: a}
}

// Import assigns and saves pieces. Each returned piece carries the variant
// it was assigned. Pieces whose experiment is not running are saved
// unassigned.
func (ci *ContentImporter) Import(ctx context.Context, pieces []model.ContentPiece) ([]model.ContentPiece, *ImportResult, error) {
	res := &ImportResult{Received: len(pieces)}
	out := make([]model.ContentPiece, 0, len(pieces))
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			res.Skipped++
			zap.L().Warn("ingest: skipping content", zap.String("content_id", p.ID), zap.Error(err))
			continue
		}
		if p.ExperimentID != "" && ci.assigner != nil {
			a, err := ci.assigner.AssignOrGet(ctx, experiment.AssignRequest{
				ExperimentID: p.ExperimentID,
				ContentID:    p.ID,
				VariantTag:   p.VariantTag,
			})
			switch {
			case err == nil:
				p.VariantTag = a.Variant
				res.Assigned++
			case errors.Is(err, experiment.ErrNotRunning),
				errors.Is(err, experiment.ErrUnknownVariant),
				errors.Is(err, model.ErrAssignmentConflict),
				errors.Is(err, model.ErrNotFound):
				zap.L().Warn("ingest: content left unassigned",
					zap.String("content_id", p.ID),
					zap.String("experiment_id", p.ExperimentID),
					zap.Error(err),
				)
			default:
				return out, res, eris.Wrapf(err, "ingest: assign content %s", p.ID)
			}
		}
		out = append(out, p)
	}

	n, err := ci.store.SaveContent(ctx, out...)
	res.Saved = n
	if err != nil {
		return out, res, eris.Wrap(err, "ingest: save content")
	}
	return out, res, nil
}

// NotionContentSource syncs the Notion content calendar.
type NotionContentSource struct {
	client   notion.Client
	dbID     string
	importer *ContentImporter
}

// NewNotionContentSource creates a source over the calendar database dbID.
func NewNotionContentSource(c notion.Client, dbID string, importer *ContentImporter) *NotionContentSource {
	return &NotionContentSource{client: c, dbID: dbID, importer: importer}
}

// Sync imports pages published on or after since (all pages when zero)
// and writes assigned variants back to pages that do not show them yet.
func (s *NotionContentSource) Sync(ctx context.Context, since time.Time) (*ImportResult, error) {
	pages, err := notion.QueryPublishedContent(ctx, s.client, s.dbID, since)
	if err != nil {
		return nil, err
	}

	var (
		pieces  []model.ContentPiece
		pageIDs = make(map[string]notion.ContentPage)
		skipped int
	)
	for _, p := range pages {
		cp, err := notion.ParseContentPage(p)
		if err != nil {
			skipped++
			zap.L().Warn("ingest: skipping calendar page", zap.String("page_id", string(p.ID)), zap.Error(err))
			continue
		}
		pageIDs[cp.ContentID] = cp
		pieces = append(pieces, model.ContentPiece{
			ID:           cp.ContentID,
			PublishedAt:  cp.PublishedAt,
			Channel:      cp.Channel,
			VariantTag:   cp.VariantTag,
			Title:        cp.Title,
			ExperimentID: cp.ExperimentID,
		})
	}

	saved, res, err := s.importer.Import(ctx, pieces)
	if res != nil {
		res.Received += skipped
		res.Skipped += skipped
	}
	if err != nil {
		return res, err
	}

	for _, p := range saved {
		cp := pageIDs[p.ID]
		if p.ExperimentID == "" || p.VariantTag == "" || p.VariantTag == cp.VariantTag {
			continue
		}
		if err := notion.SetVariant(ctx, s.client, cp.PageID, p.ExperimentID, p.VariantTag); err != nil {
			zap.L().Warn("ingest: variant write-back failed", zap.String("content_id", p.ID), zap.Error(err))
		}
	}

	zap.L().Info("ingest: notion calendar synced",
		zap.Int("pages", len(pages)),
		zap.Int("saved", res.Saved),
		zap.Int("assigned", res.Assigned),
	)
	return res, nil
}
