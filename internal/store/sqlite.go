package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serialises writers; versioned writes read-then-insert
	// inside a transaction.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS content_pieces (
	id            TEXT PRIMARY KEY,
	published_at  DATETIME NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	variant_tag   TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	experiment_id TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS engagement_events (
	id          TEXT PRIMARY KEY,
	content_id  TEXT NOT NULL,
	actor_ref   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL
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
	confidence    REAL,
	tier          TEXT NOT NULL,
	review_status TEXT NOT NULL,
	scorer        TEXT NOT NULL DEFAULT '',
	note          TEXT NOT NULL DEFAULT '',
	occurred_at   DATETIME NOT NULL,
	created_at    DATETIME NOT NULL,
	current       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (inquiry_id, version)
);

CREATE INDEX IF NOT EXISTS idx_candidates_dedup ON inquiry_candidates(actor_ref, content_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_candidates_current ON inquiry_candidates(current, occurred_at);

CREATE TABLE IF NOT EXISTS attribution_queue (
	inquiry_id  TEXT PRIMARY KEY,
	enqueued_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution_records (
	inquiry_id      TEXT NOT NULL,
	version         INTEGER NOT NULL,
	touches         TEXT NOT NULL,
	estimated_value REAL NOT NULL,
	value_source    TEXT NOT NULL,
	tier            TEXT NOT NULL,
	occurred_at     DATETIME NOT NULL,
	window_days     INTEGER NOT NULL,
	lambda          REAL NOT NULL,
	touch_count     INTEGER NOT NULL,
	unattributed    INTEGER NOT NULL,
	needs_follow_up INTEGER NOT NULL,
	conflicts       TEXT NOT NULL DEFAULT '[]',
	fingerprint     TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	current         INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (inquiry_id, version)
);

CREATE INDEX IF NOT EXISTS idx_attribution_current ON attribution_records(current, occurred_at);

CREATE TABLE IF NOT EXISTS manual_values (
	inquiry_id TEXT PRIMARY KEY,
	value      REAL NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_alerts (
	inquiry_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	sent_at    DATETIME NOT NULL,
	PRIMARY KEY (inquiry_id, version)
);

CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_assignments (
	content_id    TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	variant       TEXT NOT NULL,
	method        TEXT NOT NULL,
	segment       TEXT NOT NULL DEFAULT '',
	assigned_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON experiment_assignments(experiment_id);

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	ref_id      TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	context     TEXT,
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_review_open ON review_items(resolved_at, created_at);

CREATE TABLE IF NOT EXISTS retry_queue (
	id             TEXT PRIMARY KEY,
	event          TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retry_next ON retry_queue(next_retry_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	job_id          TEXT PRIMARY KEY,
	last_content_id TEXT NOT NULL,
	data            BLOB,
	created_at      DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Content & events ---

func (s *SQLiteStore) SaveContent(ctx context.Context, pieces ...model.ContentPiece) (int, error) {
	var inserted int
	for _, p := range pieces {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO content_pieces (id, published_at, channel, variant_tag, title, experiment_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.PublishedAt.UTC(), p.Channel, p.VariantTag, p.Title, p.ExperimentID, time.Now().UTC(),
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: insert content %s", p.ID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*model.ContentPiece, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, published_at, channel, variant_tag, title, experiment_id FROM content_pieces WHERE id = ?`, id)
	p, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: content %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get content")
	}
	return p, nil
}

func (s *SQLiteStore) ListContent(ctx context.Context, filter ContentFilter) ([]model.ContentPiece, error) {
	q := where{}
	q.add(filter.Channel != "", "channel = ?", filter.Channel)
	q.add(filter.ExperimentID != "", "experiment_id = ?", filter.ExperimentID)
	q.add(filter.AfterID != "", "id > ?", filter.AfterID)
	q.add(!filter.From.IsZero(), "published_at >= ?", filter.From.UTC())
	q.add(!filter.To.IsZero(), "published_at <= ?", filter.To.UTC())

	query := `SELECT id, published_at, channel, variant_tag, title, experiment_id FROM content_pieces` +
		q.sql() + ` ORDER BY id` + limitClause(filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list content")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ContentPiece
	for rows.Next() {
		p, err := scanContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan content")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate content")
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events ...model.EngagementEvent) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append events")
	}
	defer tx.Rollback() //nolint:errcheck

	var inserted int
	for _, e := range events {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO engagement_events (id, content_id, actor_ref, event_type, text, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			e.ID, e.ContentID, e.ActorRef, string(e.Type), e.Text, e.OccurredAt.UTC(),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert event %s", e.ID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append events")
	}
	return inserted, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.EngagementEvent, error) {
	q := where{}
	q.add(filter.ActorRef != "", "actor_ref = ?", filter.ActorRef)
	q.add(filter.ContentID != "", "content_id = ?", filter.ContentID)
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From.UTC())
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To.UTC())

	query := `SELECT id, content_id, actor_ref, event_type, text, occurred_at FROM engagement_events` +
		q.sql() + ` ORDER BY occurred_at, id` + limitClause(filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EngagementEvent
	for rows.Next() {
		var e model.EngagementEvent
		if err := rows.Scan(&e.ID, &e.ContentID, &e.ActorRef, &e.Type, &e.Text, &e.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

func (s *SQLiteStore) CountEvents(ctx context.Context, contentID string, from, to time.Time) (EventCounts, error) {
	q := where{}
	q.add(true, "content_id = ?", contentID)
	q.add(!from.IsZero(), "occurred_at >= ?", from.UTC())
	q.add(!to.IsZero(), "occurred_at <= ?", to.UTC())

	var c EventCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN event_type = 'view' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN event_type <> 'view' THEN 1 ELSE 0 END), 0)
		 FROM engagement_events`+q.sql(), q.args...,
	).Scan(&c.Views, &c.Engagements)
	return c, eris.Wrapf(err, "sqlite: count events %s", contentID)
}

// --- Candidates ---

const candidateCols = `inquiry_id, version, event_id, content_id, actor_ref, text, confidence, tier,
	review_status, scorer, note, occurred_at, created_at, current`

func (s *SQLiteStore) SaveCandidate(ctx context.Context, c *model.InquiryCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save candidate")
	}
	defer tx.Rollback() //nolint:errcheck

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM inquiry_candidates WHERE inquiry_id = ?`, c.InquiryID,
	).Scan(&maxVersion); err != nil {
		return eris.Wrapf(err, "sqlite: candidate version %s", c.InquiryID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE inquiry_candidates SET current = 0 WHERE inquiry_id = ? AND current = 1`, c.InquiryID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: supersede candidate %s", c.InquiryID)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Version = maxVersion + 1
	c.Current = true
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inquiry_candidates (`+candidateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		c.InquiryID, c.Version, c.EventID, c.ContentID, c.ActorRef, c.Text, c.Confidence,
		string(c.Tier), string(c.ReviewStatus), c.Scorer, c.Note, c.OccurredAt.UTC(), c.CreatedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert candidate %s", c.InquiryID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit candidate")
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, inquiryID string) (*model.InquiryCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates WHERE inquiry_id = ? AND current = 1`, inquiryID)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: candidate %s", inquiryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get candidate")
	}
	return c, nil
}

func (s *SQLiteStore) FindCandidate(ctx context.Context, actorRef, contentID string, from, to time.Time) (*model.InquiryCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates
		 WHERE actor_ref = ? AND content_id = ? AND current = 1 AND occurred_at >= ? AND occurred_at <= ?
		 ORDER BY occurred_at DESC LIMIT 1`,
		actorRef, contentID, from.UTC(), to.UTC())
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidate")
	}
	return c, nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.InquiryCandidate, error) {
	q := where{}
	q.add(true, "current = 1")
	q.add(filter.ContentID != "", "content_id = ?", filter.ContentID)
	q.add(filter.ReviewStatus != "", "review_status = ?", string(filter.ReviewStatus))
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From.UTC())
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To.UTC())

	return s.queryCandidates(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates`+q.sql()+` ORDER BY occurred_at, inquiry_id`+limitClause(filter.Limit),
		q.args...)
}

func (s *SQLiteStore) CandidateHistory(ctx context.Context, inquiryID string) ([]model.InquiryCandidate, error) {
	return s.queryCandidates(ctx,
		`SELECT `+candidateCols+` FROM inquiry_candidates WHERE inquiry_id = ? ORDER BY version`, inquiryID)
}

func (s *SQLiteStore) queryCandidates(ctx context.Context, query string, args ...any) ([]model.InquiryCandidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.InquiryCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate candidates")
}

func (s *SQLiteStore) EnqueueAttribution(ctx context.Context, inquiryID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attribution_queue (inquiry_id, enqueued_at) VALUES (?, ?) ON CONFLICT (inquiry_id) DO NOTHING`,
		inquiryID, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: enqueue attribution %s", inquiryID)
}

func (s *SQLiteStore) PendingAttributions(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT inquiry_id FROM attribution_queue ORDER BY enqueued_at, inquiry_id`+limitClause(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending attributions")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending attribution")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate pending attributions")
}

func (s *SQLiteStore) AckAttribution(ctx context.Context, inquiryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attribution_queue WHERE inquiry_id = ?`, inquiryID)
	return eris.Wrapf(err, "sqlite: ack attribution %s", inquiryID)
}

// --- Attribution ---

const attributionCols = `inquiry_id, version, touches, estimated_value, value_source, tier, occurred_at,
	window_days, lambda, touch_count, unattributed, needs_follow_up, conflicts, fingerprint, created_at, current`

func (s *SQLiteStore) GetAttribution(ctx context.Context, inquiryID string) (*model.AttributionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = ? AND current = 1`, inquiryID)
	rec, err := scanAttribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: attribution %s", inquiryID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get attribution")
	}
	return rec, nil
}

func (s *SQLiteStore) SaveAttribution(ctx context.Context, rec *model.AttributionRecord) (*model.AttributionRecord, bool, error) {
	touches, conflicts, err := marshalAttribution(rec)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: begin save attribution")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanAttribution(tx.QueryRowContext(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = ? AND current = 1`, rec.InquiryID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = nil
	case err != nil:
		return nil, false, eris.Wrap(err, "sqlite: load current attribution")
	case existing.Fingerprint == rec.Fingerprint:
		return existing, false, nil
	}

	version := 1
	if existing != nil {
		version = existing.Version + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE attribution_records SET current = 0 WHERE inquiry_id = ? AND current = 1`, rec.InquiryID,
		); err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: supersede attribution %s", rec.InquiryID)
		}
	}

	out := *rec
	out.Version = version
	out.Current = true
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attribution_records (`+attributionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		out.InquiryID, out.Version, touches, out.EstimatedValue, string(out.ValueSource), string(out.Tier),
		out.OccurredAt.UTC(), out.WindowDays, out.Lambda, out.TouchCount, out.Unattributed, out.NeedsFollowUp,
		conflicts, out.Fingerprint, out.CreatedAt.UTC(),
	); err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert attribution %s", rec.InquiryID)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: commit attribution")
	}
	return &out, true, nil
}

func (s *SQLiteStore) AttributionHistory(ctx context.Context, inquiryID string) ([]model.AttributionRecord, error) {
	return s.queryAttributions(ctx,
		`SELECT `+attributionCols+` FROM attribution_records WHERE inquiry_id = ? ORDER BY version`, inquiryID)
}

func (s *SQLiteStore) ListAttributions(ctx context.Context, filter AttributionFilter) ([]model.AttributionRecord, error) {
	q := where{}
	q.add(true, "current = 1")
	q.add(!filter.From.IsZero(), "occurred_at >= ?", filter.From.UTC())
	q.add(!filter.To.IsZero(), "occurred_at <= ?", filter.To.UTC())
	return s.queryAttributions(ctx,
		`SELECT `+attributionCols+` FROM attribution_records`+q.sql()+` ORDER BY inquiry_id`, q.args...)
}

func (s *SQLiteStore) queryAttributions(ctx context.Context, query string, args ...any) ([]model.AttributionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attributions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttributionRecord
	for rows.Next() {
		rec, err := scanAttribution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribution")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attributions")
}

func (s *SQLiteStore) SetManualValue(ctx context.Context, inquiryID string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_values (inquiry_id, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (inquiry_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		inquiryID, value, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: set manual value %s", inquiryID)
}

func (s *SQLiteStore) GetManualValue(ctx context.Context, inquiryID string) (*float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM manual_values WHERE inquiry_id = ?`, inquiryID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get manual value %s", inquiryID)
	}
	return &v, nil
}

func (s *SQLiteStore) MarkLeadAlerted(ctx context.Context, inquiryID string, version int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_alerts (inquiry_id, version, sent_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		inquiryID, version, time.Now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark lead alerted %s", inquiryID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

// --- Experiments ---

func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	def, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, definition, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(def), string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert experiment %s", e.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: experiment %s already exists", e.ID)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM experiments WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: experiment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get experiment %s", id)
	}
	var e model.Experiment
	if err := json.Unmarshal([]byte(def), &e); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal experiment")
	}
	return &e, nil
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, e *model.Experiment) error {
	e.UpdatedAt = time.Now().UTC()
	def, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET definition = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(def), string(e.Status), e.UpdatedAt, e.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update experiment %s", e.ID)
	}
	return checkRowsAffected(res, "experiment", e.ID)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error) {
	q := where{}
	q.add(status != "", "status = ?", string(status))
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM experiments`+q.sql()+` ORDER BY created_at, id`, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Experiment
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		var e model.Experiment
		if err := json.Unmarshal([]byte(def), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal experiment")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate experiments")
}

func (s *SQLiteStore) InsertAssignment(ctx context.Context, a model.ExperimentAssignment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_assignments (content_id, experiment_id, variant, method, segment, assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (content_id) DO NOTHING`,
		a.ContentID, a.ExperimentID, a.Variant, string(a.Method), a.Segment, a.AssignedAt.UTC())
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert assignment %s", a.ContentID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrAssignmentConflict, "sqlite: content %s", a.ContentID)
	}
	return nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, contentID string) (*model.ExperimentAssignment, error) {
	var a model.ExperimentAssignment
	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, experiment_id, variant, method, segment, assigned_at FROM experiment_assignments WHERE content_id = ?`,
		contentID,
	).Scan(&a.ContentID, &a.ExperimentID, &a.Variant, &a.Method, &a.Segment, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: assignment %s", contentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get assignment %s", contentID)
	}
	return &a, nil
}

func (s *SQLiteStore) CountAssignments(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM experiment_assignments WHERE experiment_id = ?`, experimentID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count assignments %s", experimentID)
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, experimentID string) ([]model.ExperimentAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, experiment_id, variant, method, segment, assigned_at FROM experiment_assignments
		 WHERE experiment_id = ? ORDER BY assigned_at, content_id`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assignments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExperimentAssignment
	for rows.Next() {
		var a model.ExperimentAssignment
		if err := rows.Scan(&a.ContentID, &a.ExperimentID, &a.Variant, &a.Method, &a.Segment, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate assignments")
}

// --- Review queue ---

func (s *SQLiteStore) AddReviewItem(ctx context.Context, item *model.ReviewItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_items (id, kind, ref_id, summary, context, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Kind), item.RefID, item.Summary, nullJSON(item.Context), item.CreatedAt.UTC())
	return eris.Wrapf(err, "sqlite: add review item %s", item.ID)
}

func (s *SQLiteStore) GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error) {
	item, err := scanReview(s.db.QueryRowContext(ctx,
		`SELECT id, kind, ref_id, summary, context, created_at, resolved_at FROM review_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: review item %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get review item")
	}
	return item, nil
}

func (s *SQLiteStore) ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	q := where{}
	q.add(!filter.IncludeResolved, "resolved_at IS NULL")
	q.add(filter.Kind != "", "kind = ?", string(filter.Kind))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, ref_id, summary, context, created_at, resolved_at FROM review_items`+
			q.sql()+` ORDER BY created_at, id`+limitClause(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review items")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review item")
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate review items")
}

func (s *SQLiteStore) ResolveReviewItem(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve review item %s", id)
	}
	return checkRowsAffected(res, "review item", id)
}

func (s *SQLiteStore) CountReviewItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_items WHERE resolved_at IS NULL`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count review items")
}

// --- Retry queue ---

func (s *SQLiteStore) EnqueueRetry(ctx context.Context, entry resilience.RetryEntry) error {
	ev, err := json.Marshal(entry.Event)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal retry event")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_queue (id, event, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, string(ev), entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC())
	return eris.Wrapf(err, "sqlite: enqueue retry %s", entry.ID)
}

func (s *SQLiteStore) DueRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	q := where{}
	q.add(!filter.DueBefore.IsZero(), "next_retry_at <= ?", filter.DueBefore.UTC())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		 FROM retry_queue`+q.sql()+` ORDER BY next_retry_at, id`+limitClause(filter.Limit), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.RetryEntry
	for rows.Next() {
		var e resilience.RetryEntry
		var ev string
		if err := rows.Scan(&e.ID, &ev, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry")
		}
		if err := json.Unmarshal([]byte(ev), &e.Event); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal retry event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate retries")
}

func (s *SQLiteStore) RemoveRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove retry %s", id)
}

func (s *SQLiteStore) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count retries")
}

// --- Checkpoints ---

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, last_content_id, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET last_content_id = excluded.last_content_id,
		   data = excluded.data, created_at = excluded.created_at`,
		cp.JobID, cp.LastContentID, cp.Data, cp.CreatedAt.UTC())
	return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.JobID)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, last_content_id, data, created_at FROM checkpoints WHERE job_id = ?`, jobID,
	).Scan(&cp.JobID, &cp.LastContentID, &cp.Data, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s", jobID)
	}
	return &cp, nil
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	return eris.Wrapf(err, "sqlite: delete checkpoint %s", jobID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// where accumulates optional AND conditions with their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(ok bool, cond string, args ...any) {
	if !ok {
		return
	}
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func scanContent(row scannable) (*model.ContentPiece, error) {
	var p model.ContentPiece
	if err := row.Scan(&p.ID, &p.PublishedAt, &p.Channel, &p.VariantTag, &p.Title, &p.ExperimentID); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanCandidate(row scannable) (*model.InquiryCandidate, error) {
	var c model.InquiryCandidate
	var conf sql.NullFloat64
	if err := row.Scan(&c.InquiryID, &c.Version, &c.EventID, &c.ContentID, &c.ActorRef, &c.Text, &conf,
		&c.Tier, &c.ReviewStatus, &c.Scorer, &c.Note, &c.OccurredAt, &c.CreatedAt, &c.Current); err != nil {
		return nil, err
	}
	if conf.Valid {
		c.Confidence = model.Float(conf.Float64)
	}
	return &c, nil
}

func scanAttribution(row scannable) (*model.AttributionRecord, error) {
	var r model.AttributionRecord
	var touches, conflicts string
	if err := row.Scan(&r.InquiryID, &r.Version, &touches, &r.EstimatedValue, &r.ValueSource, &r.Tier,
		&r.OccurredAt, &r.WindowDays, &r.Lambda, &r.TouchCount, &r.Unattributed, &r.NeedsFollowUp,
		&conflicts, &r.Fingerprint, &r.CreatedAt, &r.Current); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(touches), &r.Touches); err != nil {
		return nil, eris.Wrap(err, "unmarshal touches")
	}
	if err := json.Unmarshal([]byte(conflicts), &r.Conflicts); err != nil {
		return nil, eris.Wrap(err, "unmarshal conflicts")
	}
	if len(r.Conflicts) == 0 {
		r.Conflicts = nil
	}
	return &r, nil
}

func scanReview(row scannable) (*model.ReviewItem, error) {
	var item model.ReviewItem
	var ctxJSON sql.NullString
	var resolved sql.NullTime
	if err := row.Scan(&item.ID, &item.Kind, &item.RefID, &item.Summary, &ctxJSON, &item.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		item.Context = json.RawMessage(ctxJSON.String)
	}
	if resolved.Valid {
		t := resolved.Time
		item.ResolvedAt = &t
	}
	return &item, nil
}

func marshalAttribution(rec *model.AttributionRecord) (touches, conflicts string, err error) {
	t, err := json.Marshal(rec.Touches)
	if err != nil {
		return "", "", eris.Wrap(err, "store: marshal touches")
	}
	conf := rec.Conflicts
	if conf == nil {
		conf = []string{}
	}
	c, err := json.Marshal(conf)
	if err != nil {
		return "", "", eris.Wrap(err, "store: marshal conflicts")
	}
	return string(t), string(c), nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
