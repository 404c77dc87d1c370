package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/db"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// PostgresStore implements Store on a pgx pool. Versioned writes take a
// transaction-scoped advisory lock on the inquiry id so concurrent processes
// serialise the same way in-process callers do.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg, nil)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pool for bulk loaders.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS content_pieces (
	id            TEXT PRIMARY KEY,
	published_at  TIMESTAMPTZ NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	variant_tag   TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS engagement_events (
	id          TEXT PRIMARY KEY,
	content_id  TEXT NOT NULL,
	actor_ref   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_actor_ts ON engagement_events(actor_ref, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_content_ts ON engagement_events(content_id, occurred_at);

CREATE TABLE IF NOT EXISTS inquiry_candidates (
	inquiry_id    TEXT NOT NULL,
	version       INTEGER NOT NULL,
	event_id      TEXT NOT NULL,
	content_id    TEXT NOT NULL,
	actor_ref     TEXT NOT NULL,
	text          TEXT NOT NULL,
	confidence    DOUBLE PRECISION,
	tier          TEXT NOT NULL,
	review_status TEXT NOT NULL,
	scorer        TEXT NOT NULL DEFAULT '',
	note          TEXT NOT NULL DEFAULT '',
	occurred_at   TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	current       BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (inquiry_id, version)
);

CREATE INDEX IF NOT EXISTS idx_candidates_dedup ON inquiry_candidates(actor_ref, content_id, occurred_at) WHERE current;
CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_one_current ON inquiry_candidates(inquiry_id) WHERE current;

CREATE TABLE IF NOT EXISTS attribution_queue (
	inquiry_id  TEXT PRIMARY KEY,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attribution_records (
	inquiry_id      TEXT NOT NULL,
	version         INTEGER NOT NULL,
	touches         JSONB NOT NULL,
	estimated_value DOUBLE PRECISION NOT NULL,
	value_source    TEXT NOT NULL,
	tier            TEXT NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	window_days     INTEGER NOT NULL,
	lambda          DOUBLE PRECISION NOT NULL,
	touch_count     INTEGER NOT NULL,
	unattributed    BOOLEAN NOT NULL,
	needs_follow_up BOOLEAN NOT NULL,
	conflicts       JSONB NOT NULL DEFAULT '[]',
	fingerprint     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	current         BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (inquiry_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attribution_one_current ON attribution_records(inquiry_id) WHERE current;
CREATE INDEX IF NOT EXISTS idx_attribution_occurred ON attribution_records(occurred_at) WHERE current;

CREATE TABLE IF NOT EXISTS manual_values (
	inquiry_id TEXT PRIMARY KEY,
	value      DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_alerts (
	inquiry_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (inquiry_id, version)
);

CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	definition JSONB NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS experiment_assignments (
	content_id    TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL REFERENCES experiments(id),
	variant       TEXT NOT NULL,
	method        TEXT NOT NULL,
	segment       TEXT NOT NULL DEFAULT '',
	assigned_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON experiment_assignments(experiment_id);

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	ref_id      TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	context     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_review_open ON review_items(created_at) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS retry_queue (
	id             TEXT PRIMARY KEY,
	event          JSONB NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_retry_next ON retry_queue(next_retry_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id          TEXT PRIMARY KEY,
	last_content_id TEXT NOT NULL,
	data            BYTEA,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Content & events ---

var (
	contentColumns = []string{"id", "published_at", "channel", "variant_tag", "title", "experiment_id"}
	eventColumns   = []string{"id", "content_id", "actor_ref", "event_type", "text", "occurred_at"}
)

func (s *PostgresStore) SaveContent(ctx context.Context, pieces ...model.ContentPiece) (int, error) {
	rows := make([][]any, len(pieces))
	for i, p := range pieces {
		rows[i] = []any{p.ID, p.PublishedAt.UTC(), p.Channel, p.VariantTag, p.Title, p.ExperimentID}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "content_pieces",
		Columns:      contentColumns,
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	return int(n), eris.Wrap(err, "postgres: save content")
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*model.ContentPiece, error) {
	p, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT id, published_at, channel, variant_tag, title, experiment_id FROM content_pieces WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: content %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get content")
	}
	return p, nil
}

func (s *PostgresStore) ListContent(ctx context.Context, filter ContentFilter) ([]model.ContentPiece, error) {
	q := pgWhere{}
	q.add(filter.Channel != "", "channel = ?", filter.Channel)
	q.add(filter.ExperimentID != "", "experiment_id = ?", filter.ExperimentID)
	q.add(filter.AfterID != "", "id > ?", filter.AfterID)
	q.add(!filter.From.IsZero(), "published_at >= ?", filter.From)
	q.add(!filter.To.IsZero(), "published_at <= ?", filter.To)

	rows, err := s.pool.Query(ctx,
		`SELECT id, published_at, channel, variant_tag, title, experiment_id FROM content_pieces`+
			q.sql()+` ORDER BY id`+q.limit(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list content")
	}
	defer rows.Close()

	var out []model.ContentPiece
	for rows.Next() {
		p, err := scanContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan content")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate content")
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events ...model.EngagementEvent) (int, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ID, e.ContentID, e.ActorRef, string(e.Type), e.Text, e.OccurredAt.UTC()}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "engagement_events",
		Columns:      eventColumns,
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	return int(n), eris.Wrap(err, "postgres: append events")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.EngagementEvent, error) {
	q := pgWhere{}
	q.add(filter.ActorRef != "", "actor_ref = ?", filter.ActorRef)
	q.add(filter.ContentID != "", "content_id = ?", filter.ContentID)
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From)
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To)

	rows, err := s.pool.Query(ctx,
		`SELECT id, content_id, actor_ref, event_type, text, occurred_at FROM engagement_events`+
			q.sql()+` ORDER BY occurred_at, id`+q.limit(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.EngagementEvent
	for rows.Next() {
		var e model.EngagementEvent
		if err := rows.Scan(&e.ID, &e.ContentID, &e.ActorRef, &e.Type, &e.Text, &e.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate events")
}

func (s *PostgresStore) CountEvents(ctx context.Context, contentID string, from, to time.Time) (EventCounts, error) {
	q := pgWhere{}
	q.add(true, "content_id = ?", contentID)
	q.add(!from.IsZero(), "occurred_at >= ?", from)
	q.add(!to.IsZero(), "occurred_at <= ?", to)

	var c EventCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE event_type = 'view'), COUNT(*) FILTER (WHERE event_type <> 'view')
		 FROM engagement_events`+q.sql(), q.args...,
	).Scan(&c.Views, &c.Engagements)
	return c, eris.Wrapf(err, "postgres: count events %s", contentID)
}

// --- Candidates ---

func (s *PostgresStore) SaveCandidate(ctx context.Context, c *model.InquiryCandidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save candidate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "candidate:"+c.InquiryID); err != nil {
		return eris.Wrapf(err, "postgres: lock candidate %s", c.InquiryID)
	}

	var maxVersion int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM inquiry_candidates WHERE inquiry_id = $1`, c.InquiryID,
	).Scan(&maxVersion); err != nil {
		return eris.Wrapf(err, "postgres: candidate version %s", c.InquiryID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE inquiry_candidates SET current = false WHERE inquiry_id = $1 AND current`, c.InquiryID,
	); err != nil {
		return eris.Wrapf(err, "postgres: supersede candidate %s", c.InquiryID)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Version = maxVersion + 1
	c.Current = true
	if _, err := tx.Exec(ctx,
		`INSERT INTO inquiry_candidates (`+candidateCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, true)`,
		c.InquiryID, c.Version, c.EventID, c.ContentID, c.ActorRef, c.Text, c.Confidence,
		string(c.Tier), string(c.ReviewStatus), c.Scorer, c.Note, c.OccurredAt, c.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert candidate %s", c.InquiryID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit candidate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, inquiryID string) (*model.InquiryCandidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates WHERE inquiry_id = $1 AND current`, inquiryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: candidate %s", inquiryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get candidate")
	}
	return c, nil
}

func (s *PostgresStore) FindCandidate(ctx context.Context, actorRef, contentID string, from, to time.Time) (*model.InquiryCandidate, error) {
	c, err := scanCandidate(s.pool.QueryRow(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates
		 WHERE actor_ref = $1 AND content_id = $2 AND current AND occurred_at BETWEEN $3 AND $4
		 ORDER BY occurred_at DESC LIMIT 1`,
		actorRef, contentID, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidate")
	}
	return c, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.InquiryCandidate, error) {
	q := pgWhere{}
	q.add(true, "current")
	q.add(filter.ContentID != "", "content_id = ?", filter.ContentID)
	q.add(filter.ReviewStatus != "", "review_status = ?", string(filter.ReviewStatus))
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From)
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To)
	return s.queryCandidates(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates`+q.sql()+` ORDER BY occurred_at, inquiry_id`+q.limit(filter.Limit),
		q.args...)
}

func (s *PostgresStore) CandidateHistory(ctx context.Context, inquiryID string) ([]model.InquiryCandidate, error) {
	return s.queryCandidates(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates WHERE inquiry_id = $1 ORDER BY version`, inquiryID)
}

func (s *PostgresStore) queryCandidates(ctx context.Context, query string, args ...any) ([]model.InquiryCandidate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.InquiryCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate candidates")
}

func (s *PostgresStore) EnqueueAttribution(ctx context.Context, inquiryID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attribution_queue (inquiry_id, enqueued_at) VALUES ($1, $2) ON CONFLICT (inquiry_id) DO NOTHING`,
		inquiryID, time.Now().UTC())
	return eris.Wrapf(err, "postgres: enqueue attribution %s", inquiryID)
}

func (s *PostgresStore) PendingAttributions(ctx context.Context, limit int) ([]string, error) {
	q := pgWhere{}
	rows, err := s.pool.Query(ctx,
		`SELECT inquiry_id FROM attribution_queue ORDER BY enqueued_at, inquiry_id`+q.limit(limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending attributions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending attribution")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate pending attributions")
}

func (s *PostgresStore) AckAttribution(ctx context.Context, inquiryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM attribution_queue WHERE inquiry_id = $1`, inquiryID)
	return eris.Wrapf(err, "postgres: ack attribution %s", inquiryID)
}

// --- Attribution ---

func (s *PostgresStore) GetAttribution(ctx context.Context, inquiryID string) (*model.AttributionRecord, error) {
	rec, err := scanAttributionPG(s.pool.QueryRow(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = $1 AND current`, inquiryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: attribution %s", inquiryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get attribution")
	}
	return rec, nil
}

func (s *PostgresStore) SaveAttribution(ctx context.Context, rec *model.AttributionRecord) (*model.AttributionRecord, bool, error) {
	touches, conflicts, err := marshalAttribution(rec)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: begin save attribution")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "attribution:"+rec.InquiryID); err != nil {
		return nil, false, eris.Wrapf(err, "postgres: lock attribution %s", rec.InquiryID)
	}

	existing, err := scanAttributionPG(tx.QueryRow(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = $1 AND current`, rec.InquiryID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing = nil
	case err != nil:
		return nil, false, eris.Wrap(err, "postgres: load current attribution")
	case existing.Fingerprint == rec.Fingerprint:
		return existing, false, nil
	}

	version := 1
	if existing != nil {
		version = existing.Version + 1
		if _, err := tx.Exec(ctx,
			`UPDATE attribution_records SET current = false WHERE inquiry_id = $1 AND current`, rec.InquiryID,
		); err != nil {
			return nil, false, eris.Wrapf(err, "postgres: supersede attribution %s", rec.InquiryID)
		}
	}

	out := *rec
	out.Version = version
	out.Current = true
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO attribution_records (`+attributionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, true)`,
		out.InquiryID, out.Version, touches, out.EstimatedValue, string(out.ValueSource), string(out.Tier),
		out.OccurredAt, out.WindowDays, out.Lambda, out.TouchCount, out.Unattributed, out.NeedsFollowUp,
		conflicts, out.Fingerprint, out.CreatedAt,
	); err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert attribution %s", rec.InquiryID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: commit attribution")
	}
	return &out, true, nil
}

func (s *PostgresStore) AttributionHistory(ctx context.Context, inquiryID string) ([]model.AttributionRecord, error) {
	return s.queryAttributions(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = $1 ORDER BY version`, inquiryID)
}

func (s *PostgresStore) ListAttributions(ctx context.Context, filter AttributionFilter) ([]model.AttributionRecord, error) {
	q := pgWhere{}
	q.add(true, "current")
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From)
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To)
	return s.queryAttributions(ctx,
		`SELECT `+attributionCols+` FROM attribution_records`+q.sql()+` ORDER BY inquiry_id`, q.args...)
}

func (s *PostgresStore) queryAttributions(ctx context.Context, query string, args ...any) ([]model.AttributionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attributions")
	}
	defer rows.Close()

	var out []model.AttributionRecord
	for rows.Next() {
		rec, err := scanAttributionPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribution")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attributions")
}

func (s *PostgresStore) SetManualValue(ctx context.Context, inquiryID string, value float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO manual_values (inquiry_id, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (inquiry_id) DO UPDATE SET value = $2, updated_at = now()`,
		inquiryID, value)
	return eris.Wrapf(err, "postgres: set manual value %s", inquiryID)
}

func (s *PostgresStore) GetManualValue(ctx context.Context, inquiryID string) (*float64, error) {
	var v float64
	err := s.pool.QueryRow(ctx, `SELECT value FROM manual_values WHERE inquiry_id = $1`, inquiryID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get manual value %s", inquiryID)
	}
	return &v, nil
}

func (s *PostgresStore) MarkLeadAlerted(ctx context.Context, inquiryID string, version int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO lead_alerts (inquiry_id, version) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		inquiryID, version)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark lead alerted %s", inquiryID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Experiments ---

func (s *PostgresStore) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	def, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO experiments (id, definition, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, def, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert experiment %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: experiment %s already exists", e.ID)
	}
	return nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM experiments WHERE id = $1`, id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: experiment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get experiment %s", id)
	}
	var e model.Experiment
	if err := json.Unmarshal(def, &e); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal experiment")
	}
	return &e, nil
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, e *model.Experiment) error {
	e.UpdatedAt = time.Now().UTC()
	def, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET definition = $1, status = $2, updated_at = $3 WHERE id = $4`,
		def, string(e.Status), e.UpdatedAt, e.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update experiment %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: experiment %s", e.ID)
	}
	return nil
}

func (s *PostgresStore) ListExperiments(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error) {
	q := pgWhere{}
	q.add(status != "", "status = ?", string(status))
	rows, err := s.pool.Query(ctx, `SELECT definition FROM experiments`+q.sql()+` ORDER BY created_at, id`, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		var e model.Experiment
		if err := json.Unmarshal(def, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal experiment")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate experiments")
}

func (s *PostgresStore) InsertAssignment(ctx context.Context, a model.ExperimentAssignment) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO experiment_assignments (content_id, experiment_id, variant, method, segment, assigned_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (content_id) DO NOTHING`,
		a.ContentID, a.ExperimentID, a.Variant, string(a.Method), a.Segment, a.AssignedAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert assignment %s", a.ContentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrAssignmentConflict, "postgres: content %s", a.ContentID)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, contentID string) (*model.ExperimentAssignment, error) {
	var a model.ExperimentAssignment
	err := s.pool.QueryRow(ctx,
		`SELECT content_id, experiment_id, variant, method, segment, assigned_at FROM experiment_assignments WHERE content_id = $1`,
		contentID,
	).Scan(&a.ContentID, &a.ExperimentID, &a.Variant, &a.Method, &a.Segment, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: assignment %s", contentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get assignment %s", contentID)
	}
	return &a, nil
}

func (s *PostgresStore) CountAssignments(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM experiment_assignments WHERE experiment_id = $1`, experimentID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count assignments %s", experimentID)
}

func (s *PostgresStore) ListAssignments(ctx context.Context, experimentID string) ([]model.ExperimentAssignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_id, experiment_id, variant, method, segment, assigned_at FROM experiment_assignments
		 WHERE experiment_id = $1 ORDER BY assigned_at, content_id`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assignments")
	}
	defer rows.Close()

	var out []model.ExperimentAssignment
	for rows.Next() {
		var a model.ExperimentAssignment
		if err := rows.Scan(&a.ContentID, &a.ExperimentID, &a.Variant, &a.Method, &a.Segment, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate assignments")
}

// --- Review queue ---

func (s *PostgresStore) AddReviewItem(ctx context.Context, item *model.ReviewItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	var ctxJSON []byte
	if len(item.Context) > 0 {
		ctxJSON = item.Context
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_items (id, kind, ref_id, summary, context, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, string(item.Kind), item.RefID, item.Summary, ctxJSON, item.CreatedAt)
	return eris.Wrapf(err, "postgres: add review item %s", item.ID)
}

func (s *PostgresStore) GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error) {
	item, err := scanReviewPG(s.pool.QueryRow(ctx,
		`SELECT id, kind, ref_id, summary, context, created_at, resolved_at FROM review_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: review item %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get review item")
	}
	return item, nil
}

func (s *PostgresStore) ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	q := pgWhere{}
	q.add(!filter.IncludeResolved, "resolved_at IS NULL")
	q.add(filter.Kind != "", "kind = ?", string(filter.Kind))
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, ref_id, summary, context, created_at, resolved_at FROM review_items`+
			q.sql()+` ORDER BY created_at, id`+q.limit(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review items")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReviewPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan review item")
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate review items")
}

func (s *PostgresStore) ResolveReviewItem(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_items SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`, at, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve review item %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "review item %s", id)
	}
	return nil
}

func (s *PostgresStore) CountReviewItems(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM review_items WHERE resolved_at IS NULL`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count review items")
}

// --- Retry queue ---

func (s *PostgresStore) EnqueueRetry(ctx context.Context, entry resilience.RetryEntry) error {
	ev, err := json.Marshal(entry.Event)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal retry event")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO retry_queue (id, event, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   error = EXCLUDED.error,
		   error_type = EXCLUDED.error_type,
		   retry_count = EXCLUDED.retry_count,
		   next_retry_at = EXCLUDED.next_retry_at,
		   last_failed_at = EXCLUDED.last_failed_at`,
		entry.ID, ev, entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt)
	return eris.Wrapf(err, "postgres: enqueue retry %s", entry.ID)
}

func (s *PostgresStore) DueRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	q := pgWhere{}
	q.add(!filter.DueBefore.IsZero(), "next_retry_at <= ?", filter.DueBefore)
	rows, err := s.pool.Query(ctx,
		`SELECT id, event, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		 FROM retry_queue`+q.sql()+` ORDER BY next_retry_at, id`+q.limit(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due retries")
	}
	defer rows.Close()

	var out []resilience.RetryEntry
	for rows.Next() {
		var e resilience.RetryEntry
		var ev []byte
		if err := rows.Scan(&e.ID, &ev, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		if err := json.Unmarshal(ev, &e.Event); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal retry event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate retries")
}

func (s *PostgresStore) RemoveRetry(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove retry %s", id)
}

func (s *PostgresStore) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count retries")
}

// --- Checkpoints ---

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (job_id, last_content_id, data, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (job_id) DO UPDATE SET last_content_id = $2, data = $3, created_at = now()`,
		cp.JobID, cp.LastContentID, cp.Data)
	return eris.Wrapf(err, "postgres: save checkpoint %s", cp.JobID)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, last_content_id, data, created_at FROM checkpoints WHERE job_id = $1`, jobID,
	).Scan(&cp.JobID, &cp.LastContentID, &cp.Data, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s", jobID)
	}
	return &cp, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID)
	return eris.Wrapf(err, "postgres: delete checkpoint %s", jobID)
}

// pgWhere is where with numbered placeholders: each "?" in a condition
// becomes the next $n.
type pgWhere struct {
	conds []string
	args  []any
}

func (w *pgWhere) add(ok bool, cond string, args ...any) {
	if !ok {
		return
	}
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *pgWhere) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *pgWhere) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func scanAttributionPG(row scannable) (*model.AttributionRecord, error) {
	var r model.AttributionRecord
	var touches, conflicts []byte
	if err := row.Scan(&r.InquiryID, &r.Version, &touches, &r.EstimatedValue, &r.ValueSource, &r.Tier,
		&r.OccurredAt, &r.WindowDays, &r.Lambda, &r.TouchCount, &r.Unattributed, &r.NeedsFollowUp,
		&conflicts, &r.Fingerprint, &r.CreatedAt, &r.Current); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(touches, &r.Touches); err != nil {
		return nil, eris.Wrap(err, "unmarshal touches")
	}
	if err := json.Unmarshal(conflicts, &r.Conflicts); err != nil {
		return nil, eris.Wrap(err, "unmarshal conflicts")
	}
	if len(r.Conflicts) == 0 {
		r.Conflicts = nil
	}
	return &r, nil
}

func scanReviewPG(row scannable) (*model.ReviewItem, error) {
	var item model.ReviewItem
	var ctxJSON []byte
	if err := row.Scan(&item.ID, &item.Kind, &item.RefID, &item.Summary, &ctxJSON, &item.CreatedAt, &item.ResolvedAt); err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		item.Context = json.RawMessage(ctxJSON)
	}
	return &item, nil
}
