package dispatchjob

import (
	"context"
	"time"
)

// Repository is the persistence contract the dispatch pipeline needs. The
// scheduler drains PENDING jobs through it and the router records outcomes.
type Repository interface {
	// Insert stores a new job. IDs are assigned by the caller.
	Insert(ctx context.Context, job *DispatchJob) error

	// FindByID loads a single job.
	FindByID(ctx context.Context, id string) (*DispatchJob, error)

	// FindPending returns up to limit PENDING jobs ordered by createdAt
	// ascending, id ascending for stability.
	FindPending(ctx context.Context, limit int) ([]*DispatchJob, error)

	// MarkQueued transitions PENDING → QUEUED. Returns false without error
	// when the job was not PENDING (already queued or cancelled meanwhile).
	MarkQueued(ctx context.Context, id string) (bool, error)

	// UpdateStatus sets the status plus delivery details from the last
	// mediation attempt.
	UpdateStatus(ctx context.Context, id, status string, statusCode int, errMsg string) error

	// UpdateStatusBatch sets the status on many jobs with one write.
	UpdateStatusBatch(ctx context.Context, ids []string, status string) error

	// RecordAttempt appends one delivery attempt to the job history.
	RecordAttempt(ctx context.Context, id string, attempt DispatchAttempt) error

	// ResetStaleQueued reverts QUEUED jobs untouched since the threshold
	// back to PENDING, up to limit rows. Returns the number reset.
	ResetStaleQueued(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	// BlockedGroups returns the subset of groups that currently hold at
	// least one ERROR job.
	BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error)

	// CountByGroupAndStatus counts jobs in a group with the given status.
	CountByGroupAndStatus(ctx context.Context, group, status string) (int64, error)
}
