package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
)

// PendingPoller periodically drains PENDING jobs into the group dispatcher.
// Only the leader polls; ticks never overlap.
type PendingPoller struct {
	repo      dispatchjob.Repository
	checker   *BlockChecker
	groups    *GroupDispatcher
	elector   leader.Elector
	interval  time.Duration
	batchSize int

	tickMu sync.Mutex
}

func NewPendingPoller(repo dispatchjob.Repository, checker *BlockChecker, groups *GroupDispatcher, elector leader.Elector, interval time.Duration, batchSize int) *PendingPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &PendingPoller{
		repo:      repo,
		checker:   checker,
		groups:    groups,
		elector:   elector,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (p *PendingPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *PendingPoller) tick(ctx context.Context) {
	if !p.elector.IsLeader() {
		return
	}
	// A slow previous tick skips this one rather than stacking up.
	if !p.tickMu.TryLock() {
		return
	}
	defer p.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in pending poll", "panic", r)
		}
	}()

	jobs, err := p.repo.FindPending(ctx, p.batchSize)
	if err != nil {
		slog.Error("Pending job load failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	byGroup := make(map[string][]*dispatchjob.DispatchJob)
	for _, job := range jobs {
		g := job.GroupOrDefault()
		byGroup[g] = append(byGroup[g], job)
	}
	groupNames := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groupNames = append(groupNames, g)
	}

	blocked := p.checker.BlockedGroups(ctx, groupNames)

	for group, groupJobs := range byGroup {
		eligible := groupJobs[:0]
		for _, job := range groupJobs {
			// IMMEDIATE jobs dispatch even from a blocked group; both
			// error modes hold back until the ERROR rows clear.
			if blocked[group] && job.Mode != dispatchjob.ModeImmediate {
				metrics.SchedulerBlockedGroupSkips.Inc()
				continue
			}
			eligible = append(eligible, job)
		}
		if held := len(groupJobs) - len(eligible); held > 0 {
			slog.Debug("Group blocked by unresolved errors", "group", group, "held", held)
		}
		if len(eligible) > 0 {
			p.groups.SubmitJobs(group, eligible)
		}
	}

	p.groups.CleanupEmpty()
}
