package queue

import (
	"context"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// MetricsPoller periodically publishes broker queue depths as gauges.
type MetricsPoller struct {
	broker   Broker
	backend  string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMetricsPoller(broker Broker, backend string, interval time.Duration) *MetricsPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MetricsPoller{
		broker:   broker,
		backend:  backend,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Name implements the lifecycle service contract.
func (p *MetricsPoller) Name() string { return "queue-metrics-poller" }

func (p *MetricsPoller) Start(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(runCtx)
	return nil
}

func (p *MetricsPoller) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MetricsPoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			m, err := p.broker.QueryMetrics(pollCtx)
			cancel()
			if err != nil {
				slog.Debug("Queue metrics poll failed", "backend", p.backend, "error", err)
				continue
			}
			metrics.QueuePendingDepth.WithLabelValues(p.backend).Set(float64(m.Pending))
			metrics.QueueInvisibleDepth.WithLabelValues(p.backend).Set(float64(m.Invisible))
		}
	}
}
