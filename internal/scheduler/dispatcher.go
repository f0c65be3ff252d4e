package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// JobDispatcher publishes one job to the broker and transitions its status.
type JobDispatcher struct {
	publisher       queue.Publisher
	auth            *dispatchjob.AuthService
	repo            dispatchjob.Repository
	defaultPoolCode string
}

func NewJobDispatcher(publisher queue.Publisher, auth *dispatchjob.AuthService, repo dispatchjob.Repository, defaultPoolCode string) *JobDispatcher {
	return &JobDispatcher{
		publisher:       publisher,
		auth:            auth,
		repo:            repo,
		defaultPoolCode: defaultPoolCode,
	}
}

// Dispatch envelopes and publishes a PENDING job, then marks it QUEUED. A
// broker-deduplicated publish counts as success: the message is already on
// the queue from an earlier attempt. On publish failure the job stays
// PENDING and the next poll cycle retries it.
func (d *JobDispatcher) Dispatch(ctx context.Context, job *dispatchjob.DispatchJob) error {
	env := &model.Envelope{
		ID:              job.ID,
		PoolCode:        job.PoolCodeOrDefault(d.defaultPoolCode),
		AuthToken:       d.auth.TokenFor(job.ID),
		MediationType:   model.MediationHTTP,
		MediationTarget: job.TargetURL,
		MessageGroupID:  job.GroupOrDefault(),
	}
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for job %s: %w", job.ID, err)
	}

	err = d.publisher.Publish(ctx, queue.OutboundMessage{
		MessageGroupID:  env.MessageGroupID,
		DeduplicationID: job.ID,
		Body:            body,
	})
	switch {
	case err == nil:
	case queue.IsDeduplicated(err):
		slog.Debug("Publish deduplicated by broker", "jobId", job.ID)
	default:
		metrics.SchedulerDispatchFailures.Inc()
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	ok, err := d.repo.MarkQueued(ctx, job.ID)
	if err != nil {
		// Published but not marked: the stale-queued poller and broker
		// dedup make this safe to leave for the next cycle.
		return fmt.Errorf("failed to mark job %s queued: %w", job.ID, err)
	}
	if !ok {
		slog.Info("Job no longer pending after publish", "jobId", job.ID)
	}

	metrics.SchedulerJobsDispatched.Inc()
	return nil
}
