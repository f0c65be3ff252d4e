// Package nats implements the queue contract on a JetStream work queue.
// Message group ordering rides on a per-message header; dedup uses the
// JetStream Nats-Msg-Id window.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
)

const (
	backendLabel = "nats"

	groupHeader = "Fc-Msg-Group"

	ackWait      = 2 * time.Minute
	maxDeliver   = 5
	maxAckPending = 1000
)

// Options configures the JetStream broker.
type Options struct {
	URL        string
	StreamName string
	Subject    string // defaults to <stream-lowercase>.jobs
	Consumer   string // durable consumer name, defaults to dispatch-router
}

// Broker is a JetStream-backed queue.
type Broker struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	opts     Options

	// Sequences acked after their ack window expired. If the server
	// redelivers them anyway, they are re-acked on sight.
	pendingAcks   map[string]struct{}
	pendingAcksMu sync.Mutex
}

// Connect dials the server and ensures the stream and durable consumer.
func Connect(ctx context.Context, opts Options) (*Broker, error) {
	if opts.StreamName == "" {
		opts.StreamName = "DISPATCH"
	}
	if opts.Subject == "" {
		opts.Subject = "dispatch.jobs"
	}
	if opts.Consumer == "" {
		opts.Consumer = "dispatch-router"
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS %s: %w", opts.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.StreamName,
		Subjects:  []string{opts.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		// Matches the SQS FIFO 5-minute dedup window.
		Duplicates: 5 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		MaxAckPending: maxAckPending,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure consumer %s: %w", opts.Consumer, err)
	}

	slog.Info("Connected to NATS JetStream", "url", opts.URL, "stream", opts.StreamName)
	return &Broker{
		nc:          nc,
		js:          js,
		stream:      stream,
		consumer:    consumer,
		opts:        opts,
		pendingAcks: make(map[string]struct{}),
	}, nil
}

func (b *Broker) Publisher() queue.Publisher { return &publisher{b: b} }
func (b *Broker) Consumer() queue.Consumer   { return &consumer{b: b} }

// QueryMetrics maps consumer counters onto the shared depth reading.
func (b *Broker) QueryMetrics(ctx context.Context) (queue.Metrics, error) {
	info, err := b.consumer.Info(ctx)
	if err != nil {
		return queue.Metrics{}, fmt.Errorf("failed to query consumer info: %w", err)
	}
	return queue.Metrics{
		Pending:   int64(info.NumPending),
		Invisible: int64(info.NumAckPending),
	}, nil
}

func (b *Broker) Close() error {
	b.nc.Close()
	return nil
}

func (b *Broker) markPendingAck(id string) {
	b.pendingAcksMu.Lock()
	b.pendingAcks[id] = struct{}{}
	b.pendingAcksMu.Unlock()
}

func (b *Broker) takePendingAck(id string) bool {
	b.pendingAcksMu.Lock()
	defer b.pendingAcksMu.Unlock()
	if _, ok := b.pendingAcks[id]; ok {
		delete(b.pendingAcks, id)
		return true
	}
	return false
}

type publisher struct {
	b *Broker
}

func (p *publisher) Publish(ctx context.Context, msg queue.OutboundMessage) error {
	m := nats.NewMsg(p.b.opts.Subject)
	m.Data = msg.Body
	if msg.DeduplicationID != "" {
		m.Header.Set(nats.MsgIdHdr, msg.DeduplicationID)
	}
	if msg.MessageGroupID != "" {
		m.Header.Set(groupHeader, msg.MessageGroupID)
	}

	ack, err := p.b.js.PublishMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	if ack.Duplicate {
		return fmt.Errorf("%w: id=%s", queue.ErrDeduplicated, msg.DeduplicationID)
	}
	metrics.QueueMessagesPublished.WithLabelValues(backendLabel).Inc()
	return nil
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	b *Broker
}

func (c *consumer) Fetch(ctx context.Context, maxBatch int, wait time.Duration) ([]queue.Message, error) {
	batch, err := c.b.consumer.Fetch(maxBatch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from JetStream: %w", err)
	}

	var out []queue.Message
	for m := range batch.Messages() {
		wrapped := wrap(c.b, m)
		// A sequence whose earlier ack raced the ack window is settled
		// here instead of being routed again.
		if c.b.takePendingAck(wrapped.ID()) {
			slog.Info("Re-acking previously settled message", "id", wrapped.ID())
			_ = m.Ack()
			continue
		}
		out = append(out, wrapped)
	}
	if err := batch.Error(); err != nil {
		return out, fmt.Errorf("JetStream fetch error: %w", err)
	}
	metrics.QueueMessagesConsumed.WithLabelValues(backendLabel).Add(float64(len(out)))
	return out, nil
}

func (c *consumer) Close() error { return nil }

type message struct {
	b   *Broker
	msg jetstream.Msg
	id  string
	md  *jetstream.MsgMetadata
}

func wrap(b *Broker, m jetstream.Msg) *message {
	w := &message{b: b, msg: m}
	if md, err := m.Metadata(); err == nil {
		w.md = md
		w.id = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
	} else {
		// Fall back to the dedup id; metadata is only absent on malformed
		// reply subjects.
		w.id = m.Headers().Get(nats.MsgIdHdr)
	}
	return w
}

func (m *message) ID() string   { return m.id }
func (m *message) Body() []byte { return m.msg.Data() }

func (m *message) MessageGroup() string {
	return m.msg.Headers().Get(groupHeader)
}

func (m *message) DeliveryCount() int {
	if m.md != nil {
		return int(m.md.NumDelivered)
	}
	return 1
}

func (m *message) Ack() error {
	if err := m.msg.Ack(); err != nil {
		// The ack window may have lapsed; settle the redelivery instead.
		m.b.markPendingAck(m.id)
		slog.Warn("JetStream ack failed, queued for re-ack", "id", m.id, "error", err)
		return nil
	}
	metrics.QueueAcks.WithLabelValues(backendLabel).Inc()
	return nil
}

func (m *message) NakWithDelay(seconds int) error {
	seconds = queue.ClampVisibility(seconds)
	if err := m.msg.NakWithDelay(time.Duration(seconds) * time.Second); err != nil {
		return fmt.Errorf("failed to nack JetStream message %s: %w", m.id, err)
	}
	metrics.QueueNacks.WithLabelValues(backendLabel).Inc()
	return nil
}

// ExtendVisibility maps to InProgress, which resets the ack wait timer. The
// requested duration is advisory; JetStream extends by the consumer AckWait.
func (m *message) ExtendVisibility(_ int) error {
	if err := m.msg.InProgress(); err != nil {
		return fmt.Errorf("failed to extend JetStream message %s: %w", m.id, err)
	}
	return nil
}
