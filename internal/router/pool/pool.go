// Package pool implements the per-pool worker set: per-group FIFO fan-out,
// a pool-wide concurrency semaphore, an optional token-bucket rate limit,
// and batch+group failure gating. One ProcessPool exists per pool code.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

const (
	// DefaultConcurrency is used when a pool config names none.
	DefaultConcurrency = 20

	// MaxConcurrency caps live concurrency increases; it sizes the permit
	// channel up front.
	MaxConcurrency = 1000

	// MinQueueCapacity floors the total queued messages across groups.
	MinQueueCapacity = 50

	// queueCapacityMultiplier sizes the queue relative to concurrency when
	// no explicit capacity is configured.
	queueCapacityMultiplier = 2

	// idleWorkerTimeout is how long a group worker lingers with an empty
	// queue before exiting.
	idleWorkerTimeout = 5 * time.Minute

	// shutdownTimeout bounds the drain during Shutdown.
	shutdownTimeout = 10 * time.Second

	// gaugeInterval is the observability refresh cadence.
	gaugeInterval = 500 * time.Millisecond
)

// ErrQueueFull is returned by Submit when the pool is at capacity.
var ErrQueueFull = errors.New("pool queue full")

// ErrPoolClosed is returned by Submit after shutdown began.
var ErrPoolClosed = errors.New("pool is shut down")

// Settler receives the pool's ack/nack decisions, keyed by broker message
// id. The queue manager implements it.
type Settler interface {
	Ack(brokerMessageID string)
	Nack(brokerMessageID string, delaySeconds int)
}

// OutcomeRecorder persists mediation outcomes to the job store. Optional.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, jobID string, result model.MediationResult)
}

// Config is one pool's resource envelope.
type Config struct {
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute int // zero disables rate limiting
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.Concurrency * queueCapacityMultiplier
	}
	if c.QueueCapacity < MinQueueCapacity {
		c.QueueCapacity = MinQueueCapacity
	}
	return c
}

// ProcessPool fans messages out to per-group workers under a shared
// semaphore.
type ProcessPool struct {
	code     string
	mediator mediator.Mediator
	settler  Settler
	recorder OutcomeRecorder

	cfgMu         sync.RWMutex
	concurrency   int
	queueCapacity int

	limiterMu sync.RWMutex
	limiter   *rate.Limiter

	// semaphore holds one token per permit; workers take before mediating.
	semaphore chan struct{}

	groupsMu sync.Mutex
	groups   map[string]*groupWorker

	// Batch+group failure gating. A key lands in failed when a message
	// fails retriably; counts tracks pending messages per key and clears
	// both entries at zero.
	batchMu sync.Mutex
	failed  map[string]struct{}
	counts  map[string]int

	queued        atomic.Int64
	activeWorkers atomic.Int64

	// idleTimeout is idleWorkerTimeout, narrowed in tests.
	idleTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	gaugeWg  sync.WaitGroup
	closed   atomic.Bool
}

type groupWorker struct {
	group string
	queue chan *model.MessagePointer
}

// NewProcessPool creates and starts a pool.
func NewProcessPool(code string, cfg Config, med mediator.Mediator, settler Settler, recorder OutcomeRecorder) *ProcessPool {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &ProcessPool{
		code:          code,
		mediator:      med,
		settler:       settler,
		recorder:      recorder,
		concurrency:   cfg.Concurrency,
		queueCapacity: cfg.QueueCapacity,
		semaphore:     make(chan struct{}, MaxConcurrency),
		groups:        make(map[string]*groupWorker),
		failed:        make(map[string]struct{}),
		counts:        make(map[string]int),
		idleTimeout:   idleWorkerTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		p.semaphore <- struct{}{}
	}
	if cfg.RateLimitPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute)
	}

	p.gaugeWg.Add(1)
	go p.runGaugeUpdater()

	slog.Info("Process pool started",
		"pool", code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity,
		"rateLimitPerMinute", cfg.RateLimitPerMinute)
	return p
}

// Code returns the pool code.
func (p *ProcessPool) Code() string { return p.code }

// Submit enqueues a message for its group. The batch+group pending count is
// registered before the enqueue so failure gating can never miss a message.
func (p *ProcessPool) Submit(ptr *model.MessagePointer) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.cfgMu.RLock()
	capacity := p.queueCapacity
	p.cfgMu.RUnlock()

	if p.queued.Load() >= int64(capacity) {
		return fmt.Errorf("%w: pool=%s capacity=%d", ErrQueueFull, p.code, capacity)
	}

	p.incrementBatchGroup(ptr.BatchGroupKey())
	p.queued.Add(1)

	// Enqueue while holding groupsMu. Idle deregistration checks the queue
	// length under the same lock, so a worker can never exit between the
	// lookup and the send.
	p.groupsMu.Lock()
	w := p.workerForLocked(ptr.Group())
	select {
	case w.queue <- ptr:
		p.groupsMu.Unlock()
		return nil
	default:
		p.groupsMu.Unlock()
		// The group channel itself is full.
		p.queued.Add(-1)
		p.decrementBatchGroup(ptr.BatchGroupKey())
		return fmt.Errorf("%w: pool=%s group=%s", ErrQueueFull, p.code, ptr.Group())
	}
}

// workerForLocked returns the live worker for a group, starting one if the
// group has no worker (first submit, or the previous worker idled out or
// died). Callers hold groupsMu.
func (p *ProcessPool) workerForLocked(group string) *groupWorker {
	if w, ok := p.groups[group]; ok {
		return w
	}

	p.cfgMu.RLock()
	capacity := p.queueCapacity
	p.cfgMu.RUnlock()

	w := &groupWorker{
		group: group,
		queue: make(chan *model.MessagePointer, capacity),
	}
	p.groups[group] = w
	p.workerWg.Add(1)
	go p.runWorker(w)
	return w
}

// runWorker drains one group's queue in FIFO order, at most one mediation
// in flight for the group.
func (p *ProcessPool) runWorker(w *groupWorker) {
	defer p.workerWg.Done()

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ptr := <-w.queue:
			p.processMessage(ptr)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		case <-idle.C:
			// Submits enqueue under groupsMu, so an empty queue here means
			// no message is on its way to this worker; the next Submit
			// finds the group unregistered and starts a fresh one.
			p.groupsMu.Lock()
			if len(w.queue) == 0 {
				delete(p.groups, w.group)
				p.groupsMu.Unlock()
				return
			}
			p.groupsMu.Unlock()
			idle.Reset(p.idleTimeout)
		}
	}
}

// processMessage runs the full per-message pipeline: batch+group gate, rate
// limit, semaphore, mediation, settlement.
func (p *ProcessPool) processMessage(ptr *model.MessagePointer) {
	defer p.queued.Add(-1)
	defer p.decrementBatchGroup(ptr.BatchGroupKey())

	// An earlier message in this batch+group failed: preserve order by
	// fast-failing without a mediation attempt.
	if p.isBatchGroupFailed(ptr.BatchGroupKey()) {
		metrics.PoolBatchGroupFastFails.WithLabelValues(p.code).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.code, "batch_group_failed").Inc()
		p.settler.Nack(ptr.BrokerMessageID, queue.FastFailVisibilitySeconds)
		return
	}

	// Rate limit check comes before the semaphore so a permit is never
	// held while tokens are exhausted.
	if p.shouldRateLimit() {
		metrics.PoolRateLimitRejections.WithLabelValues(p.code).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.code, "rate_limited").Inc()
		p.settler.Nack(ptr.BrokerMessageID, queue.FastFailVisibilitySeconds)
		return
	}

	select {
	case <-p.semaphore:
	case <-p.ctx.Done():
		// Shutdown while waiting: the broker visibility timeout will
		// redeliver the message.
		return
	}

	p.activeWorkers.Add(1)
	defer func() {
		p.activeWorkers.Add(-1)
		p.semaphore <- struct{}{}
		if r := recover(); r != nil {
			slog.Error("Panic in pool worker",
				"pool", p.code, "group", ptr.Group(), "messageId", ptr.Envelope.ID,
				"panic", r, "stack", string(debug.Stack()))
			p.markBatchGroupFailed(ptr.BatchGroupKey())
			p.settler.Nack(ptr.BrokerMessageID, queue.DefaultFailureVisibilitySeconds)
		}
	}()

	start := time.Now()
	result := p.mediator.Mediate(p.ctx, ptr)
	metrics.PoolProcessingDuration.WithLabelValues(p.code).Observe(time.Since(start).Seconds())

	p.handleOutcome(ptr, result)
}

func (p *ProcessPool) handleOutcome(ptr *model.MessagePointer, result model.MediationResult) {
	if p.recorder != nil {
		p.recorder.RecordOutcome(p.ctx, ptr.Envelope.ID, result)
	}

	switch result.Outcome {
	case model.OutcomeSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.code, "success").Inc()
		p.settler.Ack(ptr.BrokerMessageID)

	case model.OutcomeErrorConfig:
		// Poison: drop so the broker stops redelivering.
		metrics.PoolMessagesProcessed.WithLabelValues(p.code, "error_config").Inc()
		slog.Warn("Dropping permanently rejected message",
			"pool", p.code, "jobId", ptr.Envelope.ID, "status", result.StatusCode)
		p.settler.Ack(ptr.BrokerMessageID)

	case model.OutcomeErrorProcess, model.OutcomeErrorConnection:
		label := "error_process"
		if result.Outcome == model.OutcomeErrorConnection {
			label = "error_connection"
		}
		metrics.PoolMessagesProcessed.WithLabelValues(p.code, label).Inc()

		p.markBatchGroupFailed(ptr.BatchGroupKey())

		delay := queue.DefaultFailureVisibilitySeconds
		if result.DelaySeconds > 0 {
			delay = queue.ClampVisibility(result.DelaySeconds)
		}
		p.settler.Nack(ptr.BrokerMessageID, delay)
	}
}

func (p *ProcessPool) shouldRateLimit() bool {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.limiter != nil && !p.limiter.Allow()
}

func (p *ProcessPool) incrementBatchGroup(key string) {
	p.batchMu.Lock()
	p.counts[key]++
	p.batchMu.Unlock()
}

func (p *ProcessPool) decrementBatchGroup(key string) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	if n := p.counts[key] - 1; n > 0 {
		p.counts[key] = n
		return
	}
	delete(p.counts, key)
	delete(p.failed, key)
}

func (p *ProcessPool) markBatchGroupFailed(key string) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	// Only gate keys that still have pending messages.
	if p.counts[key] > 0 {
		p.failed[key] = struct{}{}
	}
}

func (p *ProcessPool) isBatchGroupFailed(key string) bool {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	_, ok := p.failed[key]
	return ok
}

// UpdateConcurrency applies a live permit change. Increases add permits;
// decreases must collect the delta within a timeout or the change rolls
// back.
func (p *ProcessPool) UpdateConcurrency(target int) error {
	if target <= 0 || target > MaxConcurrency {
		return fmt.Errorf("concurrency must be in [1, %d], got %d", MaxConcurrency, target)
	}

	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	diff := target - p.concurrency
	switch {
	case diff == 0:
		return nil
	case diff > 0:
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
	default:
		acquired := 0
		timeout := time.After(5 * time.Second)
		for acquired < -diff {
			select {
			case <-p.semaphore:
				acquired++
			case <-timeout:
				// Busy pool: give the permits back and keep the old width.
				for i := 0; i < acquired; i++ {
					p.semaphore <- struct{}{}
				}
				return fmt.Errorf("pool %s busy, concurrency change %d -> %d rolled back",
					p.code, p.concurrency, target)
			}
		}
	}

	slog.Info("Pool concurrency updated", "pool", p.code, "from", p.concurrency, "to", target)
	p.concurrency = target
	return nil
}

// UpdateRateLimit swaps the token bucket. Zero disables rate limiting.
func (p *ProcessPool) UpdateRateLimit(perMinute int) {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	if perMinute <= 0 {
		p.limiter = nil
	} else {
		p.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	slog.Info("Pool rate limit updated", "pool", p.code, "perMinute", perMinute)
}

// Stats is a point-in-time view for the monitoring API.
type Stats struct {
	Code             string `json:"code"`
	Concurrency      int    `json:"concurrency"`
	ActiveWorkers    int64  `json:"activeWorkers"`
	AvailablePermits int    `json:"availablePermits"`
	QueuedMessages   int64  `json:"queuedMessages"`
	MessageGroups    int    `json:"messageGroups"`
}

func (p *ProcessPool) Stats() Stats {
	p.cfgMu.RLock()
	concurrency := p.concurrency
	p.cfgMu.RUnlock()

	p.groupsMu.Lock()
	groupCount := len(p.groups)
	p.groupsMu.Unlock()

	return Stats{
		Code:             p.code,
		Concurrency:      concurrency,
		ActiveWorkers:    p.activeWorkers.Load(),
		AvailablePermits: len(p.semaphore),
		QueuedMessages:   p.queued.Load(),
		MessageGroups:    groupCount,
	}
}

// InFlightOrQueued reports whether the pool still holds work. Used while
// draining.
func (p *ProcessPool) InFlightOrQueued() bool {
	return p.queued.Load() > 0 || p.activeWorkers.Load() > 0
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.PoolActiveWorkers.WithLabelValues(p.code).Set(float64(s.ActiveWorkers))
			metrics.PoolAvailablePermits.WithLabelValues(p.code).Set(float64(s.AvailablePermits))
			metrics.PoolQueueDepth.WithLabelValues(p.code).Set(float64(s.QueuedMessages))
			metrics.PoolMessageGroups.WithLabelValues(p.code).Set(float64(s.MessageGroups))
		}
	}
}

// Shutdown stops the pool: new submits are rejected, workers are cancelled,
// and the wait is bounded. Unprocessed messages come back via the broker
// visibility timeout.
func (p *ProcessPool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	slog.Info("Shutting down pool", "pool", p.code, "queued", p.queued.Load())
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		p.gaugeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shut down", "pool", p.code)
	case <-time.After(shutdownTimeout):
		slog.Warn("Pool shutdown timed out", "pool", p.code)
	}
}
