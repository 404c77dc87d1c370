package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/leadflow/internal/model"
)

// RetryEntry is an engagement event whose classification failed because the
// scoring model was unavailable. It waits in the retry queue until
// NextRetryAt, and is routed to manual review once MaxRetries is reached.
type RetryEntry struct {
	ID           string                `json:"id"`
	Event        model.EngagementEvent `json:"event"`
	Error        string                `json:"error"`
	ErrorType    string                `json:"error_type"`
	RetryCount   int                   `json:"retry_count"`
	MaxRetries   int                   `json:"max_retries"`
	NextRetryAt  time.Time             `json:"next_retry_at"`
	CreatedAt    time.Time             `json:"created_at"`
	LastFailedAt time.Time             `json:"last_failed_at"`
}

// RetryFilter narrows a retry-queue read.
type RetryFilter struct {
	DueBefore time.Time `json:"due_before"`
	Limit     int       `json:"limit,omitempty"`
}

// NewRetryEntry creates the queue entry for an event's first failure. The ID
// derives from the event ID, so queueing the same event twice upserts.
func NewRetryEntry(event model.EngagementEvent, err error, maxRetries int, now time.Time, policy RetryConfig) RetryEntry {
	id := "rty_" + event.ID
	if event.ID == "" {
		id = uuid.New().String()
	}
	e := RetryEntry{
		ID:         id,
		Event:      event,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}
	e.RecordFailure(err, now, policy)
	return e
}

// RecordFailure bumps the retry count and schedules the next attempt.
func (e *RetryEntry) RecordFailure(err error, now time.Time, policy RetryConfig) {
	e.RetryCount++
	e.LastFailedAt = now
	if err != nil {
		e.Error = err.Error()
		e.ErrorType = ClassifyError(err)
	}
	e.NextRetryAt = now.Add(Backoff(e.RetryCount-1, policy))
}

// CanRetry reports whether the entry still has retries left.
func (e *RetryEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
