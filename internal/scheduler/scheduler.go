// Package scheduler drains persisted PENDING jobs into the broker: leader
// election gates a periodic poller, an error-blocking filter protects
// ordered groups, and a per-group dispatcher preserves FIFO while fanning
// out across groups.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// Options carries the scheduler's tunables. Zero values fall back to the
// documented defaults.
type Options struct {
	PollInterval        time.Duration // default 5 s
	BatchSize           int           // default 20
	MaxConcurrentGroups int           // default 10
	DefaultPoolCode     string        // default DISPATCH-POOL

	StalePollInterval time.Duration // default 60 s
	StaleThreshold    time.Duration // default 15 min
	StaleBatchLimit   int           // default 100
}

// Scheduler bundles the pollers behind one lifecycle service.
type Scheduler struct {
	poller *PendingPoller
	stale  *StaleRecoverer
	groups *GroupDispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo dispatchjob.Repository, publisher queue.Publisher, auth *dispatchjob.AuthService, elector leader.Elector, opts Options) *Scheduler {
	if opts.DefaultPoolCode == "" {
		opts.DefaultPoolCode = "DISPATCH-POOL"
	}

	dispatcher := NewJobDispatcher(publisher, auth, repo, opts.DefaultPoolCode)
	groups := NewGroupDispatcher(dispatcher.Dispatch, opts.MaxConcurrentGroups)
	checker := NewBlockChecker(repo)

	return &Scheduler{
		poller: NewPendingPoller(repo, checker, groups, elector, opts.PollInterval, opts.BatchSize),
		stale:  NewStaleRecoverer(repo, elector, opts.StalePollInterval, opts.StaleThreshold, opts.StaleBatchLimit),
		groups: groups,
	}
}

// Name implements lifecycle.Service.
func (s *Scheduler) Name() string { return "dispatch-scheduler" }

func (s *Scheduler) Start(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.poller.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.stale.Run(runCtx)
	}()

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.groups.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GroupCount exposes live dispatch groups for monitoring.
func (s *Scheduler) GroupCount() int { return s.groups.GroupCount() }
