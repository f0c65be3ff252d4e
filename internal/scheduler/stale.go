package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
)

// StaleRecoverer reverts QUEUED jobs that never made it through the router
// back to PENDING: lost publishes, or consumers that died holding a lease.
type StaleRecoverer struct {
	repo      dispatchjob.Repository
	elector   leader.Elector
	interval  time.Duration
	threshold time.Duration
	limit     int
}

func NewStaleRecoverer(repo dispatchjob.Repository, elector leader.Elector, interval, threshold time.Duration, limit int) *StaleRecoverer {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &StaleRecoverer{
		repo:      repo,
		elector:   elector,
		interval:  interval,
		threshold: threshold,
		limit:     limit,
	}
}

func (s *StaleRecoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *StaleRecoverer) tick(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}
	n, err := s.repo.ResetStaleQueued(ctx, time.Now().Add(-s.threshold), s.limit)
	if err != nil {
		slog.Error("Stale-queued recovery failed", "error", err)
		return
	}
	if n > 0 {
		metrics.SchedulerStaleJobsRecovered.Add(float64(n))
		slog.Warn("Recovered stale queued jobs", "count", n, "threshold", s.threshold)
	}
}
