// Package manager owns the router's pipeline-wide state: which broker
// messages are in flight, how each one is settled, and the lifecycle of the
// process pools. All state is owned by a single goroutine; every mutation
// arrives through a typed command channel.
package manager

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// DefaultPoolCode is the lazily created fallback for envelopes naming a pool
// that is not configured.
const DefaultPoolCode = "DEFAULT-POOL"

// PoolSettings is one pool's configured resource envelope.
type PoolSettings struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute int
}

// PoolConfigSource supplies the desired pool set on every configuration
// sync.
type PoolConfigSource interface {
	PoolConfigs(ctx context.Context) ([]PoolSettings, error)
}

// StaticPoolConfigSource serves a fixed pool set.
type StaticPoolConfigSource []PoolSettings

func (s StaticPoolConfigSource) PoolConfigs(context.Context) ([]PoolSettings, error) {
	return s, nil
}

// Delivery pairs a broker message with its parsed envelope.
type Delivery struct {
	Msg queue.Message
	Env *model.Envelope
}

// Options tunes the manager's periodic work.
type Options struct {
	ConfigSyncInterval time.Duration // pool sync cadence
	DrainCheckInterval time.Duration // draining-pool poll
	ExtendInterval     time.Duration // visibility extension cadence
	ExtendSeconds      int           // visibility granted per extension
	LeakCheckInterval  time.Duration
	StaleAfter         time.Duration // age at which a tracked message is suspicious
}

func DefaultOptions() Options {
	return Options{
		ConfigSyncInterval: 5 * time.Minute,
		DrainCheckInterval: 10 * time.Second,
		ExtendInterval:     55 * time.Second,
		ExtendSeconds:      queue.DefaultFailureVisibilitySeconds,
		LeakCheckInterval:  30 * time.Second,
		StaleAfter:         5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConfigSyncInterval <= 0 {
		o.ConfigSyncInterval = d.ConfigSyncInterval
	}
	if o.DrainCheckInterval <= 0 {
		o.DrainCheckInterval = d.DrainCheckInterval
	}
	if o.ExtendInterval <= 0 {
		o.ExtendInterval = d.ExtendInterval
	}
	if o.ExtendSeconds <= 0 {
		o.ExtendSeconds = d.ExtendSeconds
	}
	if o.LeakCheckInterval <= 0 {
		o.LeakCheckInterval = d.LeakCheckInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	return o
}

// Commands carried on the actor channel.
type command interface{ isCommand() }

type routeCmd struct{ batch []Delivery }
type settleCmd struct {
	brokerMessageID string
	ack             bool
	delaySeconds    int
}
type syncCmd struct{ settings []PoolSettings }
type statsCmd struct{ reply chan Snapshot }

func (routeCmd) isCommand()  {}
func (settleCmd) isCommand() {}
func (syncCmd) isCommand()   {}
func (statsCmd) isCommand()  {}

// Snapshot is a point-in-time view for the monitoring API.
type Snapshot struct {
	Active       bool         `json:"active"`
	PipelineSize int          `json:"pipelineSize"`
	Pools        []pool.Stats `json:"pools"`
	Draining     []string     `json:"draining"`
}

// Manager is the single-owner pipeline actor.
type Manager struct {
	mediator mediator.Mediator
	recorder pool.OutcomeRecorder
	source   PoolConfigSource
	opts     Options

	commands chan command
	active   atomic.Bool
	closed   atomic.Bool

	// Everything below is owned by the run goroutine.
	inPipeline   map[string]*model.Envelope
	callbacks    map[string]queue.Message
	submitTimes  map[string]time.Time
	pools        map[string]*pool.ProcessPool
	draining     map[string]*pool.ProcessPool
	lastSettings map[string]PoolSettings

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager. It is inert until Start.
func New(med mediator.Mediator, recorder pool.OutcomeRecorder, source PoolConfigSource, opts Options) *Manager {
	m := &Manager{
		mediator:     med,
		recorder:     recorder,
		source:       source,
		opts:         opts.withDefaults(),
		commands:     make(chan command, 4096),
		inPipeline:   make(map[string]*model.Envelope),
		callbacks:    make(map[string]queue.Message),
		submitTimes:  make(map[string]time.Time),
		pools:        make(map[string]*pool.ProcessPool),
		draining:     make(map[string]*pool.ProcessPool),
		lastSettings: make(map[string]PoolSettings),
		done:         make(chan struct{}),
	}
	m.active.Store(true)
	return m
}

// Name implements lifecycle.Service.
func (m *Manager) Name() string { return "queue-manager" }

// Start launches the actor and performs the initial pool sync.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	settings, err := m.source.PoolConfigs(ctx)
	if err != nil {
		cancel()
		return err
	}

	go m.run(runCtx, settings)
	return nil
}

// Stop shuts the actor and every pool down.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SetActive flips the primary/standby gate. While inactive, inbound batches
// are acknowledged without routing.
func (m *Manager) SetActive(active bool) {
	was := m.active.Swap(active)
	if was != active {
		slog.Info("Router activity changed", "active", active)
	}
}

// Active reports the primary/standby gate.
func (m *Manager) Active() bool { return m.active.Load() }

// RouteBatch hands a consumer batch to the actor. In standby the batch is
// acknowledged as received without routing.
func (m *Manager) RouteBatch(batch []Delivery) {
	if len(batch) == 0 {
		return
	}
	if !m.active.Load() {
		for _, d := range batch {
			if err := d.Msg.Ack(); err != nil {
				slog.Warn("Standby ack failed", "messageId", d.Msg.ID(), "error", err)
			}
		}
		return
	}
	m.send(routeCmd{batch: batch})
}

// Ack implements pool.Settler.
func (m *Manager) Ack(brokerMessageID string) {
	m.send(settleCmd{brokerMessageID: brokerMessageID, ack: true})
}

// Nack implements pool.Settler.
func (m *Manager) Nack(brokerMessageID string, delaySeconds int) {
	m.send(settleCmd{brokerMessageID: brokerMessageID, delaySeconds: delaySeconds})
}

// Stats returns a snapshot from the actor, or a zero snapshot after
// shutdown.
func (m *Manager) Stats() Snapshot {
	reply := make(chan Snapshot, 1)
	if !m.send(statsCmd{reply: reply}) {
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return Snapshot{}
	}
}

func (m *Manager) send(cmd command) bool {
	if m.closed.Load() {
		return false
	}
	select {
	case m.commands <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// run is the actor loop: the sole reader of the command channel and the
// sole writer of the tracking maps.
func (m *Manager) run(ctx context.Context, initial []PoolSettings) {
	defer close(m.done)

	m.applySync(initial)

	syncTicker := time.NewTicker(m.opts.ConfigSyncInterval)
	drainTicker := time.NewTicker(m.opts.DrainCheckInterval)
	extendTicker := time.NewTicker(m.opts.ExtendInterval)
	leakTicker := time.NewTicker(m.opts.LeakCheckInterval)
	defer syncTicker.Stop()
	defer drainTicker.Stop()
	defer extendTicker.Stop()
	defer leakTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownPools()
			return

		case cmd := <-m.commands:
			switch c := cmd.(type) {
			case routeCmd:
				m.handleRoute(c.batch)
			case settleCmd:
				m.handleSettle(c)
			case syncCmd:
				m.applySync(c.settings)
			case statsCmd:
				c.reply <- m.snapshot()
			}

		case <-syncTicker.C:
			// Config fetch is IO; run it off the actor and feed the result
			// back as a command.
			go m.fetchConfig(ctx)

		case <-drainTicker.C:
			m.checkDraining()

		case <-extendTicker.C:
			m.extendInFlight()

		case <-leakTicker.C:
			m.leakCheck()
		}
	}
}

func (m *Manager) fetchConfig(ctx context.Context) {
	settings, err := m.source.PoolConfigs(ctx)
	if err != nil {
		slog.Error("Pool configuration fetch failed", "error", err)
		return
	}
	select {
	case m.commands <- syncCmd{settings: settings}:
	case <-ctx.Done():
	}
}

// handleRoute assigns one batch id to the whole batch and routes each
// message to its pool, recording it in the tracking maps first.
func (m *Manager) handleRoute(batch []Delivery) {
	batchID := tsid.Generate()
	now := time.Now()

	for _, d := range batch {
		id := d.Msg.ID()

		if _, inFlight := m.inPipeline[id]; inFlight {
			// Broker redelivery of a message still being processed: refresh
			// the stored settlement handle, then release the duplicate so
			// the broker keeps its normal redelivery accounting.
			metrics.RouterRedeliveries.Inc()
			if stored, ok := m.callbacks[id].(queue.ReceiptHandleUpdatable); ok {
				if fresh, ok := d.Msg.(queue.ReceiptHandleUpdatable); ok {
					stored.UpdateReceiptHandle(fresh.ReceiptHandle())
				}
			}
			if err := d.Msg.NakWithDelay(0); err != nil {
				slog.Warn("Failed to release redelivered duplicate", "messageId", id, "error", err)
			}
			continue
		}

		p := m.poolFor(d.Env.PoolCode)
		ptr := &model.MessagePointer{
			Envelope:        d.Env,
			BrokerMessageID: id,
			BatchID:         batchID,
		}

		m.inPipeline[id] = d.Env
		m.callbacks[id] = d.Msg
		m.submitTimes[id] = now

		if err := p.Submit(ptr); err != nil {
			m.untrack(id)
			slog.Warn("Pool rejected message",
				"pool", p.Code(), "jobId", d.Env.ID, "error", err)
			if nerr := d.Msg.NakWithDelay(queue.FastFailVisibilitySeconds); nerr != nil {
				slog.Warn("Fast-fail nack failed", "messageId", id, "error", nerr)
			}
		}
	}
	metrics.RouterPipelineSize.Set(float64(len(m.inPipeline)))
}

// poolFor resolves a pool code, falling back to the lazily created default
// pool for unknown codes.
func (m *Manager) poolFor(code string) *pool.ProcessPool {
	if p, ok := m.pools[code]; ok {
		return p
	}
	metrics.RouterUnknownPoolFallbacks.Inc()
	if p, ok := m.pools[DefaultPoolCode]; ok {
		return p
	}
	slog.Warn("Unknown pool code, creating default pool", "poolCode", code)
	p := pool.NewProcessPool(DefaultPoolCode, pool.Config{}, m.mediator, m, m.recorder)
	m.pools[DefaultPoolCode] = p
	return p
}

func (m *Manager) handleSettle(c settleCmd) {
	msg, ok := m.callbacks[c.brokerMessageID]
	if !ok {
		// Settled twice, or a leak-check already evicted it.
		slog.Warn("Settlement for untracked message", "messageId", c.brokerMessageID)
		return
	}
	m.untrack(c.brokerMessageID)
	metrics.RouterPipelineSize.Set(float64(len(m.inPipeline)))

	// Broker settlement is network IO; keep it off the actor.
	ack, delay := c.ack, c.delaySeconds
	go func() {
		if ack {
			if err := msg.Ack(); err != nil {
				slog.Warn("Broker ack failed", "messageId", msg.ID(), "error", err)
			}
			return
		}
		if err := msg.NakWithDelay(delay); err != nil {
			slog.Warn("Broker nack failed", "messageId", msg.ID(), "delaySeconds", delay, "error", err)
		}
	}()
}

func (m *Manager) untrack(brokerMessageID string) {
	delete(m.inPipeline, brokerMessageID)
	delete(m.callbacks, brokerMessageID)
	delete(m.submitTimes, brokerMessageID)
}

// applySync reconciles the live pool set against the desired settings:
// absent → active → draining → absent.
func (m *Manager) applySync(settings []PoolSettings) {
	desired := make(map[string]PoolSettings, len(settings))
	for _, s := range settings {
		if s.Code == "" {
			continue
		}
		desired[s.Code] = s
	}

	for code, s := range desired {
		if _, isDraining := m.draining[code]; isDraining {
			// Re-added while draining: let the drain finish; the next sync
			// deploys it fresh.
			slog.Info("Pool re-added while draining, deferring deploy", "pool", code)
			continue
		}
		p, exists := m.pools[code]
		if !exists {
			m.pools[code] = pool.NewProcessPool(code, pool.Config{
				Concurrency:        s.Concurrency,
				QueueCapacity:      s.QueueCapacity,
				RateLimitPerMinute: s.RateLimitPerMinute,
			}, m.mediator, m, m.recorder)
			m.lastSettings[code] = s
			continue
		}

		prev := m.lastSettings[code]
		if prev.Concurrency != s.Concurrency && s.Concurrency > 0 {
			if err := p.UpdateConcurrency(s.Concurrency); err != nil {
				slog.Warn("Pool concurrency update failed", "pool", code, "error", err)
			}
		}
		if prev.RateLimitPerMinute != s.RateLimitPerMinute {
			p.UpdateRateLimit(s.RateLimitPerMinute)
		}
		m.lastSettings[code] = s
	}

	for code, p := range m.pools {
		if _, ok := desired[code]; ok {
			continue
		}
		if code == DefaultPoolCode {
			// The fallback pool is lazily created and never configured away.
			continue
		}
		slog.Info("Pool removed from configuration, draining", "pool", code)
		delete(m.pools, code)
		delete(m.lastSettings, code)
		m.draining[code] = p
	}
}

func (m *Manager) checkDraining() {
	for code, p := range m.draining {
		if p.InFlightOrQueued() {
			continue
		}
		slog.Info("Draining pool empty, undeploying", "pool", code)
		delete(m.draining, code)
		go p.Shutdown()
	}
}

// extendInFlight pushes every tracked message's invisibility out, guarding
// against mediator calls that outlive the broker's lease.
func (m *Manager) extendInFlight() {
	if len(m.callbacks) == 0 {
		return
	}
	msgs := make([]queue.Message, 0, len(m.callbacks))
	for _, msg := range m.callbacks {
		msgs = append(msgs, msg)
	}
	seconds := m.opts.ExtendSeconds

	go func() {
		for _, msg := range msgs {
			if err := msg.ExtendVisibility(seconds); err != nil {
				slog.Warn("Visibility extension failed", "messageId", msg.ID(), "error", err)
				continue
			}
			metrics.RouterVisibilityExtensions.Inc()
		}
	}()
}

// leakCheck asserts the three tracking maps agree and flags entries that
// have been in flight suspiciously long.
func (m *Manager) leakCheck() {
	np, nc, nt := len(m.inPipeline), len(m.callbacks), len(m.submitTimes)
	if np != nc || np != nt {
		slog.Error("Pipeline tracking maps diverged",
			"inPipeline", np, "callbacks", nc, "submitTimes", nt)
	}

	cutoff := time.Now().Add(-m.opts.StaleAfter)
	for id, at := range m.submitTimes {
		if at.Before(cutoff) {
			env := m.inPipeline[id]
			jobID := ""
			if env != nil {
				jobID = env.ID
			}
			slog.Warn("Message in pipeline past stale threshold",
				"messageId", id, "jobId", jobID, "age", time.Since(at).Round(time.Second))
		}
	}
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{
		Active:       m.active.Load(),
		PipelineSize: len(m.inPipeline),
	}
	for _, p := range m.pools {
		s.Pools = append(s.Pools, p.Stats())
	}
	for code := range m.draining {
		s.Draining = append(s.Draining, code)
	}
	return s
}

func (m *Manager) shutdownPools() {
	for code, p := range m.pools {
		delete(m.pools, code)
		p.Shutdown()
	}
	for code, p := range m.draining {
		delete(m.draining, code)
		p.Shutdown()
	}
}
