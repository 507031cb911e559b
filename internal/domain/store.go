package domain

import (
	"context"
	"time"
)

// JobStore is the durable record of job state.
//
// Save must refuse to overwrite a job whose persisted status is terminal and report
// ErrInvalidTransition in that case.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, requestID string) (*Job, error)
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	Ping(ctx context.Context) error
}

// JobFilter selects jobs for listing. Results are ordered newest first and the store
// returns up to PageSize+1 rows so callers can tell whether another page exists.
type JobFilter struct {
	Status   Status
	Vendor   VendorKind
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position after which the next page starts
type JobCursor struct {
	CreatedAt time.Time
	RequestID string
}
