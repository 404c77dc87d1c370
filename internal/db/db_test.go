package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventCols = []string{"id", "content_id", "actor_ref", "event_type", "text", "occurred_at"}

func TestCopyFrom(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "engagement_events", eventCols, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"engagement_events"}, eventCols).WillReturnResult(2)
	n, err = CopyFrom(context.Background(), mock, "engagement_events", eventCols, [][]any{
		{"e1", "c1", "a1", "view", "", nil},
		{"e2", "c1", "a2", "comment", "hi", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectCopyFrom(pgx.Identifier{"engagement_events"}, eventCols).WillReturnError(errors.New("permission denied"))
	_, err = CopyFrom(context.Background(), mock, "engagement_events", eventCols, [][]any{{"e3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO engagement_events")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_Validation(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{Table: "content_pieces"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "content_pieces", ConflictKeys: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "content_pieces", Columns: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "no conflict keys specified")
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "engagement_events",
		Columns:      eventCols,
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_engagement_events"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_engagement_events"}, eventCols).WillReturnResult(3)
	mock.ExpectExec(`ON CONFLICT \("id"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{{"e1"}, {"e2"}, {"e3"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsertSQL(t *testing.T) {
	sql := upsertSQL(UpsertConfig{
		Table:        "public.content_pieces",
		Columns:      []string{"id", "title"},
		ConflictKeys: []string{"id"},
	}, "_tmp")
	assert.Equal(t,
		`INSERT INTO "public"."content_pieces" ("id", "title") SELECT "id", "title" FROM "_tmp" ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title"`,
		sql)

	sql = upsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}}, "_tmp")
	assert.Contains(t, sql, "DO NOTHING")
}
