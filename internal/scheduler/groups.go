package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
)

// DispatchFunc publishes one job. Implemented by JobDispatcher.
type DispatchFunc func(ctx context.Context, job *dispatchjob.DispatchJob) error

// GroupDispatcher releases jobs one at a time per message group, with at
// most maxConcurrentGroups groups publishing in parallel.
type GroupDispatcher struct {
	dispatch DispatchFunc
	sem      chan struct{}

	mu     sync.Mutex
	groups map[string]*groupQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type groupQueue struct {
	group string

	mu   sync.Mutex
	jobs []*dispatchjob.DispatchJob

	inFlight atomic.Bool
}

func NewGroupDispatcher(dispatch DispatchFunc, maxConcurrentGroups int) *GroupDispatcher {
	if maxConcurrentGroups <= 0 {
		maxConcurrentGroups = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupDispatcher{
		dispatch: dispatch,
		sem:      make(chan struct{}, maxConcurrentGroups),
		groups:   make(map[string]*groupQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SubmitJobs appends jobs to a group's queue in (sequence, createdAt) order
// and kicks the group's dispatch chain.
func (g *GroupDispatcher) SubmitJobs(group string, jobs []*dispatchjob.DispatchJob) {
	if len(jobs) == 0 {
		return
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Sequence != jobs[j].Sequence {
			return jobs[i].Sequence < jobs[j].Sequence
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	q := g.queueFor(group)
	q.mu.Lock()
	q.jobs = append(q.jobs, jobs...)
	q.mu.Unlock()

	g.tryDispatchNext(q)
}

func (g *GroupDispatcher) queueFor(group string) *groupQueue {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.groups[group]
	if !ok {
		q = &groupQueue{group: group}
		g.groups[group] = q
		metrics.SchedulerActiveGroups.Set(float64(len(g.groups)))
	}
	return q
}

// tryDispatchNext wins the group's in-flight flag and launches the head
// job. Exactly one dispatch runs per group at a time.
func (g *GroupDispatcher) tryDispatchNext(q *groupQueue) {
	if !q.inFlight.CompareAndSwap(false, true) {
		return
	}

	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		q.inFlight.Store(false)
		return
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.mu.Unlock()

	g.wg.Add(1)
	go g.dispatchOne(q, job)
}

func (g *GroupDispatcher) dispatchOne(q *groupQueue, job *dispatchjob.DispatchJob) {
	defer g.wg.Done()

	select {
	case g.sem <- struct{}{}:
	case <-g.ctx.Done():
		q.inFlight.Store(false)
		return
	}

	func() {
		defer func() {
			<-g.sem
			if r := recover(); r != nil {
				slog.Error("Panic dispatching job",
					"group", q.group, "jobId", job.ID,
					"panic", r, "stack", string(debug.Stack()))
			}
		}()
		if err := g.dispatch(g.ctx, job); err != nil {
			slog.Error("Job dispatch failed", "group", q.group, "jobId", job.ID, "error", err)
		}
	}()

	// Completion, success or not, releases the group for the next job.
	q.inFlight.Store(false)
	g.tryDispatchNext(q)
}

// CleanupEmpty drops groups with nothing queued and nothing in flight.
func (g *GroupDispatcher) CleanupEmpty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for group, q := range g.groups {
		q.mu.Lock()
		empty := len(q.jobs) == 0
		q.mu.Unlock()
		if empty && !q.inFlight.Load() {
			delete(g.groups, group)
		}
	}
	metrics.SchedulerActiveGroups.Set(float64(len(g.groups)))
}

// GroupCount reports live groups, for monitoring.
func (g *GroupDispatcher) GroupCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

// Stop cancels in-flight dispatches and waits for workers to finish.
func (g *GroupDispatcher) Stop() {
	g.cancel()
	g.wg.Wait()
}
