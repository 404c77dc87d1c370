package store

import (
	"context"
	"time"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/resilience"
)

// ContentFilter narrows a content listing. Results are ordered by id.
type ContentFilter struct {
	Channel      string    `json:"channel,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	AfterID      string    `json:"after_id,omitempty"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Limit        int       `json:"limit,omitempty"`
}

// EventFilter narrows an event listing. Zero values are ignored. Results are
// ordered by occurred_at, then id.
type EventFilter struct {
	ActorRef  string    `json:"actor_ref,omitempty"`
	ContentID string    `json:"content_id,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Limit     int       `json:"limit,omitempty"`
}

// EventCounts are the view and engagement totals of one content piece.
type EventCounts struct {
	Views       int `json:"views"`
	Engagements int `json:"engagements"`
}

// CandidateFilter narrows a candidate listing to current versions.
type CandidateFilter struct {
	ContentID    string             `json:"content_id,omitempty"`
	ReviewStatus model.ReviewStatus `json:"review_status,omitempty"`
	From         time.Time          `json:"from"`
	To           time.Time          `json:"to"`
	Limit        int                `json:"limit,omitempty"`
}

// AttributionFilter narrows a listing of current attribution records by
// inquiry time.
type AttributionFilter struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ReviewFilter narrows the review queue.
type ReviewFilter struct {
	Kind            model.ReviewKind `json:"kind,omitempty"`
	IncludeResolved bool             `json:"include_resolved,omitempty"`
	Limit           int              `json:"limit,omitempty"`
}

// ContentStore persists the content catalog and engagement events.
type ContentStore interface {
	// SaveContent inserts pieces that are not yet known. Published content is
	// immutable, so existing ids are left untouched. Returns the number of new
	// pieces.
	SaveContent(ctx context.Context, pieces ...model.ContentPiece) (int, error)
	GetContent(ctx context.Context, id string) (*model.ContentPiece, error)
	ListContent(ctx context.Context, filter ContentFilter) ([]model.ContentPiece, error)

	// AppendEvents inserts events, ignoring ids already stored.
	AppendEvents(ctx context.Context, events ...model.EngagementEvent) (int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.EngagementEvent, error)
	CountEvents(ctx context.Context, contentID string, from, to time.Time) (EventCounts, error)
}

// CandidateStore persists versioned inquiry candidates and the attribution
// inbound queue.
type CandidateStore interface {
	// SaveCandidate writes c as the newest version of c.InquiryID, marking
	// earlier versions as no longer current. c.Version and c.Current are set.
	SaveCandidate(ctx context.Context, c *model.InquiryCandidate) error
	GetCandidate(ctx context.Context, inquiryID string) (*model.InquiryCandidate, error)
	// FindCandidate returns the current candidate for actor+content with
	// occurred_at in [from, to], or nil.
	FindCandidate(ctx context.Context, actorRef, contentID string, from, to time.Time) (*model.InquiryCandidate, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.InquiryCandidate, error)
	CandidateHistory(ctx context.Context, inquiryID string) ([]model.InquiryCandidate, error)

	EnqueueAttribution(ctx context.Context, inquiryID string) error
	PendingAttributions(ctx context.Context, limit int) ([]string, error)
	AckAttribution(ctx context.Context, inquiryID string) error
}

// AttributionStore persists versioned attribution records.
type AttributionStore interface {
	GetAttribution(ctx context.Context, inquiryID string) (*model.AttributionRecord, error)
	// SaveAttribution atomically compares rec.Fingerprint with the current
	// record. When they match the stored record is returned and written is
	// false; otherwise rec supersedes it as the next version.
	SaveAttribution(ctx context.Context, rec *model.AttributionRecord) (stored *model.AttributionRecord, written bool, err error)
	AttributionHistory(ctx context.Context, inquiryID string) ([]model.AttributionRecord, error)
	ListAttributions(ctx context.Context, filter AttributionFilter) ([]model.AttributionRecord, error)

	SetManualValue(ctx context.Context, inquiryID string, value float64) error
	GetManualValue(ctx context.Context, inquiryID string) (*float64, error)

	// MarkLeadAlerted records that an alert for the version was sent. It
	// returns false if it was already recorded.
	MarkLeadAlerted(ctx context.Context, inquiryID string, version int) (bool, error)
}

// ExperimentStore persists experiments and their variant assignments.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	UpdateExperiment(ctx context.Context, e *model.Experiment) error
	ListExperiments(ctx context.Context, status model.ExperimentStatus) ([]model.Experiment, error)

	// InsertAssignment returns model.ErrAssignmentConflict if the content
	// piece already has an assignment.
	InsertAssignment(ctx context.Context, a model.ExperimentAssignment) error
	GetAssignment(ctx context.Context, contentID string) (*model.ExperimentAssignment, error)
	CountAssignments(ctx context.Context, experimentID string) (int, error)
	ListAssignments(ctx context.Context, experimentID string) ([]model.ExperimentAssignment, error)
}

// ReviewStore is the "needs review" queue.
type ReviewStore interface {
	AddReviewItem(ctx context.Context, item *model.ReviewItem) error
	GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error)
	ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error)
	ResolveReviewItem(ctx context.Context, id string, at time.Time) error
	CountReviewItems(ctx context.Context) (int, error)
}

// RetryStore is the classifier retry queue.
type RetryStore interface {
	EnqueueRetry(ctx context.Context, entry resilience.RetryEntry) error
	DueRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error)
	RemoveRetry(ctx context.Context, id string) error
	CountRetries(ctx context.Context) (int, error)
}

// CheckpointStore persists resume state for long-running jobs.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	// LoadCheckpoint returns nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// Store is the full persistence interface of the pipeline.
type Store interface {
	ContentStore
	CandidateStore
	AttributionStore
	ExperimentStore
	ReviewStore
	RetryStore
	CheckpointStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
