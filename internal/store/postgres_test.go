package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_GetCandidate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM inquiry_candidates WHERE inquiry_id = \$1 AND current`).
		WithArgs("inq-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCandidate(context.Background(), "inq-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCandidate_VersionsUnderAdvisoryLock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("candidate:inq-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM inquiry_candidates`).
		WithArgs("inq-1").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(2))
	mock.ExpectExec(`UPDATE inquiry_candidates SET current = false`).
		WithArgs("inq-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO inquiry_candidates`).
		WithArgs("inq-1", 3, "e1", "c1", "a1", "call?", pgxmock.AnyArg(), "hot", "auto_accepted",
			"heuristic", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	c := &model.InquiryCandidate{
		InquiryID: "inq-1", EventID: "e1", ContentID: "c1", ActorRef: "a1", Text: "call?",
		Confidence: model.Float(0.9), Tier: model.TierHot, ReviewStatus: model.ReviewAutoAccepted,
		Scorer: "heuristic", OccurredAt: time.Now(),
	}
	require.NoError(t, s.SaveCandidate(context.Background(), c))
	assert.Equal(t, 3, c.Version)
	assert.True(t, c.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAssignment_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO experiment_assignments .* ON CONFLICT \(content_id\) DO NOTHING`).
		WithArgs("c1", "exp-1", "b", "random", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.InsertAssignment(context.Background(), model.ExperimentAssignment{
		ContentID: "c1", ExperimentID: "exp-1", Variant: "b", Method: model.AssignRandom, AssignedAt: time.Now(),
	})
	assert.ErrorIs(t, err, model.ErrAssignmentConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkLeadAlerted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO lead_alerts`).
		WithArgs("inq-1", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO lead_alerts`).
		WithArgs("inq-1", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	first, err := s.MarkLeadAlerted(context.Background(), "inq-1", 1)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.MarkLeadAlerted(context.Background(), "inq-1", 1)
	require.NoError(t, err)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendEvents_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_engagement_events"}, eventColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "engagement_events" .* DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.AppendEvents(context.Background(),
		model.EngagementEvent{ID: "e1", ContentID: "c1", ActorRef: "a1", Type: model.EventView, OccurredAt: t0},
		model.EngagementEvent{ID: "e2", ContentID: "c1", ActorRef: "a2", Type: model.EventView, OccurredAt: t0},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveContent_CopyFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_content_pieces"}, contentColumns).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err := s.SaveContent(context.Background(),
		model.ContentPiece{ID: "c1", PublishedAt: t0, Channel: "linkedin"},
		model.ContentPiece{ID: "c2", PublishedAt: t0, Channel: "linkedin"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: COPY INTO _tmp_upsert_content_pieces")
	assert.Contains(t, err.Error(), "stage rows for content_pieces")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCheckpoint_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT job_id, last_content_id, data, created_at FROM checkpoints`).
		WithArgs("aggregate:x").
		WillReturnError(pgx.ErrNoRows)

	cp, err := s.LoadCheckpoint(context.Background(), "aggregate:x")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEvents_NumbersPlaceholders(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM engagement_events WHERE actor_ref = \$1 AND occurred_at >= \$2 AND occurred_at <= \$3 ORDER BY occurred_at, id LIMIT \$4`).
		WithArgs("a1", t0.Add(-time.Hour), t0, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "content_id", "actor_ref", "event_type", "text", "occurred_at"}).
			AddRow("e1", "c1", "a1", model.EventComment, "hi", t0))

	events, err := s.ListEvents(context.Background(), EventFilter{ActorRef: "a1", From: t0.Add(-time.Hour), To: t0, Limit: 50})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventComment, events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
