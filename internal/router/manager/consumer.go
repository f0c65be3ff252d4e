package manager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

const (
	// maxPollWait bounds the broker long-poll; a consumer that has not
	// polled within this window is considered stalled.
	maxPollWait = 60 * time.Second

	defaultPollWait  = 20 * time.Second
	defaultBatchSize = 10

	// fetchErrorBackoff spaces retries after a broker fetch error.
	fetchErrorBackoff = time.Second

	watchdogInterval = 15 * time.Second
)

// ConsumerOptions tunes the consumer group.
type ConsumerOptions struct {
	Connections int // parallel consumer loops
	BatchSize   int
	PollWait    time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Connections <= 0 {
		o.Connections = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.PollWait <= 0 {
		o.PollWait = defaultPollWait
	}
	if o.PollWait > maxPollWait {
		o.PollWait = maxPollWait
	}
	return o
}

// ConsumerGroup runs the configured number of consumer loops against one
// broker consumer and restarts any loop that stops polling.
type ConsumerGroup struct {
	consumer queue.Consumer
	mgr      *Manager
	opts     ConsumerOptions

	// lastPolls holds one unix-nano heartbeat per loop.
	lastPolls []atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumerGroup(consumer queue.Consumer, mgr *Manager, opts ConsumerOptions) *ConsumerGroup {
	opts = opts.withDefaults()
	return &ConsumerGroup{
		consumer:  consumer,
		mgr:       mgr,
		opts:      opts,
		lastPolls: make([]atomic.Int64, opts.Connections),
	}
}

// Name implements lifecycle.Service.
func (g *ConsumerGroup) Name() string { return "queue-consumers" }

func (g *ConsumerGroup) Start(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	for i := 0; i < g.opts.Connections; i++ {
		g.lastPolls[i].Store(time.Now().UnixNano())
		g.wg.Add(1)
		go g.runLoop(runCtx, i)
	}

	g.wg.Add(1)
	go g.runWatchdog(runCtx)

	slog.Info("Queue consumers started", "connections", g.opts.Connections,
		"batchSize", g.opts.BatchSize, "pollWait", g.opts.PollWait)
	return nil
}

func (g *ConsumerGroup) Stop(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether every loop has polled recently.
func (g *ConsumerGroup) Healthy() bool {
	cutoff := time.Now().Add(-maxPollWait).UnixNano()
	for i := range g.lastPolls {
		if g.lastPolls[i].Load() < cutoff {
			return false
		}
	}
	return true
}

func (g *ConsumerGroup) runLoop(ctx context.Context, idx int) {
	defer g.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		g.lastPolls[idx].Store(time.Now().UnixNano())

		msgs, err := g.consumer.Fetch(ctx, g.opts.BatchSize, g.opts.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Broker fetch failed", "consumer", idx, "error", err)
			select {
			case <-time.After(fetchErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		batch := g.parseBatch(msgs)
		g.mgr.RouteBatch(batch)
	}
}

// parseBatch validates raw broker messages: malformed bodies are poison
// pills (acked and dropped), and a job id appearing twice in one batch keeps
// only its first delivery.
func (g *ConsumerGroup) parseBatch(msgs []queue.Message) []Delivery {
	batch := make([]Delivery, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))

	for _, msg := range msgs {
		env, err := model.ParseEnvelope(msg.Body())
		if err != nil {
			metrics.RouterPoisonMessages.Inc()
			slog.Warn("Dropping malformed message", "messageId", msg.ID(), "error", err)
			if aerr := msg.Ack(); aerr != nil {
				slog.Warn("Poison ack failed", "messageId", msg.ID(), "error", aerr)
			}
			continue
		}

		if _, dup := seen[env.ID]; dup {
			slog.Warn("Duplicate job in batch, dropping", "jobId", env.ID, "messageId", msg.ID())
			if aerr := msg.Ack(); aerr != nil {
				slog.Warn("Duplicate ack failed", "messageId", msg.ID(), "error", aerr)
			}
			continue
		}
		seen[env.ID] = struct{}{}

		batch = append(batch, Delivery{Msg: msg, Env: env})
	}
	return batch
}

// runWatchdog restarts any consumer loop whose heartbeat went quiet. A loop
// blocked inside a fetch past the long-poll bound is assumed dead.
func (g *ConsumerGroup) runWatchdog(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * maxPollWait).UnixNano()
			for i := range g.lastPolls {
				if g.lastPolls[i].Load() >= cutoff {
					continue
				}
				metrics.RouterConsumerStalls.Inc()
				metrics.RouterConsumerRestarts.Inc()
				slog.Error("Consumer loop stalled, starting replacement", "consumer", i)
				g.lastPolls[i].Store(time.Now().UnixNano())
				g.wg.Add(1)
				go g.runLoop(ctx, i)
			}
		}
	}
}
