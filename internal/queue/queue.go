// Package queue defines the broker contract shared by every backend: SQS
// FIFO, NATS JetStream, ActiveMQ, and the embedded SQLite queue. Publishers
// carry a message group for FIFO ordering and a deduplication id; consumers
// lease messages and settle them with ack, nack-with-delay, or a visibility
// extension.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Visibility bounds shared by every backend.
const (
	// FastFailVisibilitySeconds is the short redelivery delay used when no
	// mediator call was attempted (rate limit, batch+group gated).
	FastFailVisibilitySeconds = 10

	// DefaultFailureVisibilitySeconds delays redelivery after a real
	// processing failure.
	DefaultFailureVisibilitySeconds = 120

	MinVisibilitySeconds = 1
	MaxVisibilitySeconds = 43200 // 12 hours, the SQS ceiling
)

// ClampVisibility forces a delay into [MinVisibilitySeconds,
// MaxVisibilitySeconds].
func ClampVisibility(seconds int) int {
	if seconds < MinVisibilitySeconds {
		return MinVisibilitySeconds
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return seconds
}

// ErrDeduplicated reports that the broker dropped a publish as a duplicate.
// Callers treat this as success: the message is already on the queue.
var ErrDeduplicated = errors.New("message deduplicated by broker")

// IsDeduplicated matches both the sentinel and backend-native duplicate
// errors surfaced as text.
func IsDeduplicated(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDeduplicated) ||
		strings.Contains(err.Error(), "Deduplicated")
}

// OutboundMessage is a publish request.
type OutboundMessage struct {
	MessageGroupID  string
	DeduplicationID string
	Body            []byte
}

// Publisher sends messages to the broker.
type Publisher interface {
	// Publish enqueues one message. A deduplicated publish returns an
	// error for which IsDeduplicated is true.
	Publish(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// Message is one leased broker delivery. Settlement methods are safe to call
// once; backends tolerate settlement races with lease expiry.
type Message interface {
	// ID is unique per broker delivery (SQS MessageId, NATS
	// stream:sequence, embedded row id).
	ID() string
	Body() []byte
	MessageGroup() string
	DeliveryCount() int

	// Ack removes the message. Failures are absorbed where the backend can
	// retry on redelivery.
	Ack() error

	// NakWithDelay makes the message visible again after the delay,
	// clamped to [MinVisibilitySeconds, MaxVisibilitySeconds]. A zero
	// delay redelivers as soon as the broker allows.
	NakWithDelay(seconds int) error

	// ExtendVisibility resets the invisibility timer without removing.
	ExtendVisibility(seconds int) error
}

// ReceiptHandleUpdatable is implemented by backends whose settlement handle
// changes on redelivery (SQS receipt handles, embedded lease tokens). The
// router refreshes the stored handle when a tracked message is redelivered.
type ReceiptHandleUpdatable interface {
	ReceiptHandle() string
	UpdateReceiptHandle(handle string)
}

// Consumer pulls message batches from the broker.
type Consumer interface {
	// Fetch returns up to maxBatch messages, blocking up to wait. An empty
	// slice on timeout is not an error.
	Fetch(ctx context.Context, maxBatch int, wait time.Duration) ([]Message, error)
	Close() error
}

// Metrics is a point-in-time queue depth reading.
type Metrics struct {
	Pending   int64 // visible, waiting
	Invisible int64 // leased, in flight
}

// Broker bundles the full backend surface.
type Broker interface {
	Publisher() Publisher
	Consumer() Consumer
	QueryMetrics(ctx context.Context) (Metrics, error)
	Close() error
}
