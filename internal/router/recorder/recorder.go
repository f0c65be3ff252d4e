// Package recorder persists mediation outcomes back to the job store so
// operators can see delivery state and the scheduler can block groups on
// unresolved errors.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// StoreRecorder writes job status transitions and attempt history. Store
// failures are logged, never propagated: broker settlement must not depend
// on the job store being reachable.
type StoreRecorder struct {
	repo dispatchjob.Repository
}

func New(repo dispatchjob.Repository) *StoreRecorder {
	return &StoreRecorder{repo: repo}
}

// RecordOutcome maps a mediation result onto the job row.
func (r *StoreRecorder) RecordOutcome(ctx context.Context, jobID string, result model.MediationResult) {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	attempt := dispatchjob.DispatchAttempt{
		AttemptAt:  time.Now(),
		Outcome:    result.Outcome.String(),
		StatusCode: result.StatusCode,
		DurationMs: result.DurationMs,
		Error:      errMsg,
	}
	if err := r.repo.RecordAttempt(ctx, jobID, attempt); err != nil {
		slog.Warn("Failed to record dispatch attempt", "jobId", jobID, "error", err)
	}

	status := dispatchjob.StatusError
	if result.Outcome == model.OutcomeSuccess {
		status = dispatchjob.StatusCompleted
	}
	if err := r.repo.UpdateStatus(ctx, jobID, status, result.StatusCode, errMsg); err != nil {
		slog.Warn("Failed to update job status", "jobId", jobID, "status", status, "error", err)
	}
}
