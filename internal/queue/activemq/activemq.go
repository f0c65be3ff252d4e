// Package activemq implements the queue contract over STOMP with
// client-individual acknowledgement. Message groups ride on JMSXGroupID so
// the broker serializes each group onto one subscriber; nack timing is
// governed by the broker redelivery policy.
package activemq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
)

const (
	backendLabel = "activemq"

	groupHeader     = "JMSXGroupID"
	dedupHeader     = "FC_DEDUPLICATION_ID"
	deliveryCounter = "JMSXDeliveryCount"
)

// Options configures the STOMP connection.
type Options struct {
	Address     string // host:port of the STOMP listener
	Destination string // e.g. /queue/dispatch
	Login       string
	Passcode    string
}

// Broker is an ActiveMQ-backed queue.
type Broker struct {
	opts Options

	mu   sync.Mutex
	conn *stomp.Conn
	sub  *stomp.Subscription
}

// Connect dials the broker and subscribes with individual acks.
func Connect(opts Options) (*Broker, error) {
	if opts.Destination == "" {
		opts.Destination = "/queue/dispatch"
	}

	b := &Broker{opts: opts}
	if err := b.reconnect(); err != nil {
		return nil, err
	}
	slog.Info("Connected to ActiveMQ", "address", opts.Address, "destination", opts.Destination)
	return b, nil
}

func (b *Broker) reconnect() error {
	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	if b.opts.Login != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Login(b.opts.Login, b.opts.Passcode))
	}

	conn, err := stomp.Dial("tcp", b.opts.Address, connOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to ActiveMQ %s: %w", b.opts.Address, err)
	}

	sub, err := conn.Subscribe(b.opts.Destination, stomp.AckClientIndividual)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("failed to subscribe to %s: %w", b.opts.Destination, err)
	}

	b.conn = conn
	b.sub = sub
	return nil
}

func (b *Broker) Publisher() queue.Publisher { return &publisher{b: b} }
func (b *Broker) Consumer() queue.Consumer   { return &consumer{b: b} }

// QueryMetrics is not available over plain STOMP; depth comes back zero.
// Operators read queue depth from the broker's own metrics surface.
func (b *Broker) QueryMetrics(context.Context) (queue.Metrics, error) {
	return queue.Metrics{}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		return b.conn.Disconnect()
	}
	return nil
}

type publisher struct {
	b *Broker
}

func (p *publisher) Publish(ctx context.Context, msg queue.OutboundMessage) error {
	opts := []func(*frame.Frame) error{
		stomp.SendOpt.Receipt,
	}
	if msg.MessageGroupID != "" {
		opts = append(opts, stomp.SendOpt.Header(groupHeader, msg.MessageGroupID))
	}
	if msg.DeduplicationID != "" {
		opts = append(opts, stomp.SendOpt.Header(dedupHeader, msg.DeduplicationID))
	}

	p.b.mu.Lock()
	conn := p.b.conn
	p.b.mu.Unlock()

	if err := conn.Send(p.b.opts.Destination, "application/json", msg.Body, opts...); err != nil {
		return fmt.Errorf("failed to send to ActiveMQ: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(backendLabel).Inc()
	return nil
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	b *Broker
}

func (c *consumer) Fetch(ctx context.Context, maxBatch int, wait time.Duration) ([]queue.Message, error) {
	c.b.mu.Lock()
	sub := c.b.sub
	c.b.mu.Unlock()

	var out []queue.Message
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(out) < maxBatch {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case raw, ok := <-sub.C:
			if !ok {
				return out, fmt.Errorf("ActiveMQ subscription closed")
			}
			if raw.Err != nil {
				return out, fmt.Errorf("ActiveMQ receive error: %w", raw.Err)
			}
			out = append(out, newMessage(c.b, raw))
			// After the first message, drain whatever is already buffered
			// rather than waiting out the full poll window.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(50 * time.Millisecond)
		case <-timer.C:
			metrics.QueueMessagesConsumed.WithLabelValues(backendLabel).Add(float64(len(out)))
			return out, nil
		}
	}
	metrics.QueueMessagesConsumed.WithLabelValues(backendLabel).Add(float64(len(out)))
	return out, nil
}

func (c *consumer) Close() error { return nil }

type message struct {
	b   *Broker
	msg *stomp.Message
	id  string
}

func newMessage(b *Broker, m *stomp.Message) *message {
	id := m.Header.Get(frame.MessageId)
	if id == "" {
		id = m.Header.Get(frame.Id)
	}
	return &message{b: b, msg: m, id: id}
}

func (m *message) ID() string   { return m.id }
func (m *message) Body() []byte { return m.msg.Body }

func (m *message) MessageGroup() string {
	return m.msg.Header.Get(groupHeader)
}

func (m *message) DeliveryCount() int {
	if n, err := strconv.Atoi(m.msg.Header.Get(deliveryCounter)); err == nil {
		return n
	}
	return 1
}

func (m *message) Ack() error {
	m.b.mu.Lock()
	conn := m.b.conn
	m.b.mu.Unlock()

	if err := conn.Ack(m.msg); err != nil {
		return fmt.Errorf("failed to ack ActiveMQ message %s: %w", m.id, err)
	}
	metrics.QueueAcks.WithLabelValues(backendLabel).Inc()
	return nil
}

// NakWithDelay returns the message to the broker. STOMP carries no per-nack
// delay, so the requested delay is advisory; the broker redelivery policy
// governs the actual retry timing.
func (m *message) NakWithDelay(seconds int) error {
	seconds = queue.ClampVisibility(seconds)

	m.b.mu.Lock()
	conn := m.b.conn
	m.b.mu.Unlock()

	if err := conn.Nack(m.msg); err != nil {
		return fmt.Errorf("failed to nack ActiveMQ message %s: %w", m.id, err)
	}
	slog.Debug("ActiveMQ nack issued", "id", m.id, "requestedDelaySeconds", seconds)
	metrics.QueueNacks.WithLabelValues(backendLabel).Inc()
	return nil
}

// ExtendVisibility is a no-op: with client-individual acks the broker holds
// the message as long as the connection lives.
func (m *message) ExtendVisibility(int) error { return nil }
