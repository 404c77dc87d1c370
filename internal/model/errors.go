package model

import "github.com/rotisserie/eris"

// Error taxonomy shared by the pipeline components. Match with errors.Is.
var (
	// ErrNoText is returned for events without free text; they are skipped.
	ErrNoText = eris.New("event has no text to classify")
	// ErrClassifierUnavailable means the scoring model could not be reached
	// after retries. The event is queued, never dropped.
	ErrClassifierUnavailable = eris.New("classifier unavailable")
	// ErrAttributionAmbiguous flags zero or conflicting touches. The record is
	// still written and flagged for follow-up.
	ErrAttributionAmbiguous = eris.New("attribution ambiguous")
	// ErrAssignmentConflict is returned to the second writer of a variant
	// assignment for the same content_id.
	ErrAssignmentConflict = eris.New("variant assignment conflict")
	// ErrInsufficientSample marks an evaluation requested before the
	// pre-registered minimum sample size. It yields an inconclusive result.
	ErrInsufficientSample = eris.New("insufficient sample")
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = eris.New("not found")
)
