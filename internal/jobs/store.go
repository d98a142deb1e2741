package jobs

import "context"

// Store is the authoritative, crash-surviving record of job state. It is the
// only component allowed to adjudicate conflicting writes to a job's status:
// every transition carries its required source status as a precondition.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Transition moves a job from exactly `from` to `to`. ErrConflict when
	// the stored status differs, ErrNotFound when the row is absent.
	Transition(ctx context.Context, id string, from, to Status) error

	// MarkProcessing claims a job for a delivery attempt. It accepts a
	// QUEUED row, tolerates an already-PROCESSING row (redelivery after an
	// expired lease) and revives a FAILED row (retry of an earlier
	// attempt). Only a COMPLETED row conflicts.
	MarkProcessing(ctx context.Context, id string) error

	// Complete finalizes a PROCESSING job: sets the result key, clears any
	// error message and records the resolved source language.
	Complete(ctx context.Context, id string, resultKey string, sourceLang string) error

	// Fail finalizes a PROCESSING job with a bounded error message and no
	// result key.
	Fail(ctx context.Context, id string, errorMessage string) error
}
