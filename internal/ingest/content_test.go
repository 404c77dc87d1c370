package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/experiment"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/notion"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// newRunningEngine returns an engine with exp_hook (long vs short) running
// and exp_draft still in draft.
func newRunningEngine(t *testing.T, st *store.SQLiteStore) *experiment.Engine {
	t.Helper()
	ctx := context.Background()
	eng := experiment.New(st, experiment.DefaultConfig(), experiment.WithClock(func() time.Time { return t0 }))
	for _, id := range []string{"exp_hook", "exp_draft"} {
		require.NoError(t, eng.Create(ctx, &model.Experiment{
			ID:                  id,
			Hypothesis:          "Short hooks drive more engagement",
			Variants:            []model.Variant{{Name: "long"}, {Name: "short", Features: []string{"short_hook"}}},
			Metric:              model.MetricEngagementRate,
			AssignmentMethod:    model.AssignRoundRobin,
			MinSamplePerVariant: 50,
		}))
	}
	_, err := eng.Start(ctx, "exp_hook")
	require.NoError(t, err)
	return eng
}

func TestContentImporter_AssignsAtCreation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := NewContentImporter(st, newRunningEngine(t, st))

	pieces := []model.ContentPiece{
		{ID: "c1", PublishedAt: t0, Channel: "linkedin", ExperimentID: "exp_hook"},
		{ID: "c2", PublishedAt: t0, Channel: "linkedin", ExperimentID: "exp_hook"},
		{ID: "c3", PublishedAt: t0, Channel: "x", ExperimentID: "exp_hook", VariantTag: "short"},
		{ID: "c4", PublishedAt: t0, Channel: "x", ExperimentID: "exp_draft"},
		{ID: "c5", PublishedAt: t0, Channel: "x", ExperimentID: "exp_hook", VariantTag: "medium"},
		{ID: "c6", PublishedAt: t0, Channel: "x"},
		{ID: "", PublishedAt: t0},
	}
	out, res, err := imp.Import(ctx, pieces)
	require.NoError(t, err)

	assert.Equal(t, &ImportResult{Received: 7, Saved: 6, Assigned: 3, Skipped: 1}, res)
	require.Len(t, out, 6)
	assert.Equal(t, "long", out[0].VariantTag)
	assert.Equal(t, "short", out[1].VariantTag)
	assert.Equal(t, "short", out[2].VariantTag)

	a, err := st.GetAssignment(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, model.AssignScheduled, a.Method)

	_, err = st.GetAssignment(ctx, "c4")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = st.GetAssignment(ctx, "c5")
	assert.ErrorIs(t, err, model.ErrNotFound)

	saved, err := st.GetContent(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "long", saved.VariantTag)
}

func TestContentImporter_ReimportKeepsVariant(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := NewContentImporter(st, newRunningEngine(t, st))

	piece := model.ContentPiece{ID: "c1", PublishedAt: t0, ExperimentID: "exp_hook"}
	first, _, err := imp.Import(ctx, []model.ContentPiece{piece})
	require.NoError(t, err)
	second, res, err := imp.Import(ctx, []model.ContentPiece{piece})
	require.NoError(t, err)

	assert.Equal(t, first[0].VariantTag, second[0].VariantTag)
	assert.Equal(t, 0, res.Saved)
	n, err := st.CountAssignments(ctx, "exp_hook")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestContentImporter_NoAssigner(t *testing.T) {
	st := newTestStore(t)
	out, res, err := NewContentImporter(st, nil).Import(context.Background(), []model.ContentPiece{
		{ID: "c1", PublishedAt: t0, ExperimentID: "exp_hook"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Assigned)
	assert.Empty(t, out[0].VariantTag)
}

// fakeCalendar serves a fixed page set and records variant write-backs.
type fakeCalendar struct {
	mu      sync.Mutex
	pages   []notionapi.Page
	filters []*notionapi.DatabaseQueryRequest
	updates map[string]notionapi.Properties
}

func (f *fakeCalendar) QueryDatabase(_ context.Context, _ string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, req)
	return &notionapi.DatabaseQueryResponse{Results: f.pages}, nil
}

func (f *fakeCalendar) UpdatePage(_ context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]notionapi.Properties)
	}
	f.updates[pageID] = req.Properties
	return &notionapi.Page{ID: notionapi.ObjectID(pageID)}, nil
}

func calendarPage(pageID, contentID, experimentID, variant string, published *time.Time) notionapi.Page {
	props := notionapi.Properties{
		notion.PropContentID: &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: contentID}}},
		notion.PropChannel:   &notionapi.SelectProperty{Select: notionapi.Option{Name: "linkedin"}},
	}
	if experimentID != "" {
		props[notion.PropExperiment] = &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: experimentID}}}
	}
	if variant != "" {
		props[notion.PropVariant] = &notionapi.SelectProperty{Select: notionapi.Option{Name: variant}}
	}
	if published != nil {
		d := notionapi.Date(*published)
		props[notion.PropPublished] = &notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
	}
	return notionapi.Page{ID: notionapi.ObjectID(pageID), Properties: props}
}

func TestNotionContentSource_Sync(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	published := t0.Add(2 * time.Hour)
	cal := &fakeCalendar{pages: []notionapi.Page{
		calendarPage("page-1", "c1", "exp_hook", "", &published),
		calendarPage("page-2", "c2", "exp_hook", "short", &published),
		calendarPage("page-3", "c3", "", "", &published),
		calendarPage("page-4", "c4", "", "", nil),
	}}

	src := NewNotionContentSource(cal, "db-1", NewContentImporter(st, newRunningEngine(t, st)))
	res, err := src.Sync(ctx, t0)
	require.NoError(t, err)

	assert.Equal(t, &ImportResult{Received: 4, Saved: 3, Assigned: 2, Skipped: 1}, res)

	// Only page-1 lacked its variant on the calendar.
	require.Len(t, cal.updates, 1)
	props := cal.updates["page-1"]
	sel, ok := props[notion.PropVariant].(notionapi.SelectProperty)
	require.True(t, ok)
	assert.Equal(t, "long", sel.Select.Name)

	require.Len(t, cal.filters, 1)
	pf, ok := cal.filters[0].Filter.(notionapi.PropertyFilter)
	require.True(t, ok)
	require.NotNil(t, pf.Date.OnOrAfter)
	assert.True(t, time.Time(*pf.Date.OnOrAfter).Equal(t0))

	c2, err := st.GetContent(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "short", c2.VariantTag)
}
