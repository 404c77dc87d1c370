package notion

import (
	"context"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// TestQueryPublishedContent_Since verifies the Published date filter and
// sort are sent.
func TestQueryPublishedContent_Since(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mc.On("QueryDatabase", ctx, "db-content", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		if !ok || pf.Property != PropPublished || pf.Date == nil || pf.Date.OnOrAfter == nil {
			return false
		}
		return time.Time(*pf.Date.OnOrAfter).Equal(since) &&
			len(req.Sorts) == 1 && req.Sorts[0].Property == PropPublished
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "page-1"}, {ID: "page-2"}},
	}, nil).Once()

	pages, err := QueryPublishedContent(ctx, mc, "db-content", since)
	assert.NoError(t, err)
	assert.Len(t, pages, 2)
	mc.AssertExpectations(t)
}

// TestQueryPublishedContent_All verifies a zero since only requires a date.
func TestQueryPublishedContent_All(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-content", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Date != nil && pf.Date.IsNotEmpty && pf.Date.OnOrAfter == nil
	})).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	pages, err := QueryPublishedContent(ctx, mc, "db-content", time.Time{})
	assert.NoError(t, err)
	assert.Empty(t, pages)
	mc.AssertExpectations(t)
}

// TestQueryPublishedContent_Error verifies errors are wrapped.
func TestQueryPublishedContent_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-err", mock.Anything).Return(nil, assert.AnError).Once()

	pages, err := QueryPublishedContent(ctx, mc, "db-err", time.Time{})
	assert.Error(t, err)
	assert.Nil(t, pages)
	assert.Contains(t, err.Error(), "notion: query published content")
}

// TestQueryAll_NilFilter verifies QueryAll works correctly when filter is nil.
func TestQueryAll_NilFilter(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-nil-filter", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		// Filter should be nil when no filter is passed.
		return req.Filter == nil
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p1"}},
		HasMore: false,
	}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-nil-filter", nil)
	assert.NoError(t, err)
	assert.Len(t, pages, 1)
	mc.AssertExpectations(t)
}

// TestQueryAll_WithSorts verifies that sort parameters are passed through.
func TestQueryAll_WithSorts(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-sorted", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return len(req.Sorts) == 1 && req.Sorts[0].Property == "Name"
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "sorted-1"}},
		HasMore: false,
	}, nil).Once()

	filter := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{
			{Property: "Name", Direction: notionapi.SortOrderASC},
		},
	}

	pages, err := QueryAll(ctx, mc, "db-sorted", filter)
	assert.NoError(t, err)
	assert.Len(t, pages, 1)
	mc.AssertExpectations(t)
}

// TestQueryAll_WithPageSize verifies that page size is passed through.
func TestQueryAll_WithPageSize(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-paged", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.PageSize == 10
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p1"}, {ID: "p2"}},
		HasMore: false,
	}, nil).Once()

	filter := &notionapi.DatabaseQueryRequest{
		PageSize: 10,
	}

	pages, err := QueryAll(ctx, mc, "db-paged", filter)
	assert.NoError(t, err)
	assert.Len(t, pages, 2)
	mc.AssertExpectations(t)
}

// TestQueryAll_ErrorOnSecondPage verifies that an error on the second page
// of pagination is propagated correctly.
func TestQueryAll_ErrorOnSecondPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	// First page succeeds.
	mc.On("QueryDatabase", ctx, "db-err-p2", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-next"),
	}, nil).Once()

	// Second page fails.
	mc.On("QueryDatabase", ctx, "db-err-p2", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == notionapi.Cursor("cursor-next")
	})).Return(nil, assert.AnError).Once()

	pages, err := QueryAll(ctx, mc, "db-err-p2", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
	assert.Contains(t, err.Error(), "notion: query all page")
	mc.AssertExpectations(t)
}
