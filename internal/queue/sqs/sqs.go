// Package sqs implements the queue contract on an SQS FIFO queue. Message
// groups map to MessageGroupId, dedup to MessageDeduplicationId (5-minute
// window), and nack-with-delay to ChangeMessageVisibility.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
)

const (
	backendLabel = "sqs"

	maxWaitSeconds  = 20 // SQS long-poll ceiling
	maxBatchMessages = 10
)

// API is the subset of the SQS client the broker uses, split out so tests
// can substitute a fake.
type API interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Options configures the SQS broker. Endpoint plus static credentials
// switch the client into LocalStack mode for integration tests.
type Options struct {
	QueueURL          string
	Region            string
	VisibilityTimeout int

	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Broker is an SQS FIFO-backed queue.
type Broker struct {
	api  API
	opts Options

	// Message ids acked after their receipt handle expired. The redelivery
	// is deleted on sight instead of being routed.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.Mutex
}

// Connect builds the AWS client and returns the broker.
func Connect(ctx context.Context, opts Options) (*Broker, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = queue.DefaultFailureVisibilitySeconds
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	// Static credentials only when explicitly configured; a custom endpoint
	// alone (VPC endpoints, proxies) still uses the default chain.
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	slog.Info("Connected to SQS", "queueURL", opts.QueueURL, "region", opts.Region)
	return NewWithAPI(api, opts), nil
}

// NewWithAPI wires the broker onto a caller-supplied client. Used by tests.
func NewWithAPI(api API, opts Options) *Broker {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = queue.DefaultFailureVisibilitySeconds
	}
	return &Broker{
		api:            api,
		opts:           opts,
		pendingDeletes: make(map[string]struct{}),
	}
}

func (b *Broker) Publisher() queue.Publisher { return &publisher{b: b} }
func (b *Broker) Consumer() queue.Consumer   { return &consumer{b: b} }

func (b *Broker) QueryMetrics(ctx context.Context) (queue.Metrics, error) {
	out, err := b.api.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.opts.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return queue.Metrics{}, fmt.Errorf("failed to query SQS attributes: %w", err)
	}

	var m queue.Metrics
	m.Pending, _ = strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	m.Invisible, _ = strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], 10, 64)
	return m, nil
}

// HealthCheck verifies the queue is reachable.
func (b *Broker) HealthCheck(ctx context.Context) error {
	_, err := b.QueryMetrics(ctx)
	return err
}

func (b *Broker) Close() error { return nil }

func (b *Broker) markPendingDelete(messageID string) {
	b.pendingDeletesMu.Lock()
	b.pendingDeletes[messageID] = struct{}{}
	b.pendingDeletesMu.Unlock()
}

func (b *Broker) takePendingDelete(messageID string) bool {
	b.pendingDeletesMu.Lock()
	defer b.pendingDeletesMu.Unlock()
	if _, ok := b.pendingDeletes[messageID]; ok {
		delete(b.pendingDeletes, messageID)
		return true
	}
	return false
}

type publisher struct {
	b *Broker
}

func (p *publisher) Publish(ctx context.Context, msg queue.OutboundMessage) error {
	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.b.opts.QueueURL),
		MessageBody: aws.String(string(msg.Body)),
	}
	if msg.MessageGroupID != "" {
		input.MessageGroupId = aws.String(msg.MessageGroupID)
	}
	if msg.DeduplicationID != "" {
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
	}

	// SQS FIFO absorbs duplicates silently and returns the original
	// message id, so a dedup hit still reports success here.
	if _, err := p.b.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(backendLabel).Inc()
	return nil
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	b *Broker
}

func (c *consumer) Fetch(ctx context.Context, maxBatch int, wait time.Duration) ([]queue.Message, error) {
	waitSecs := int32(wait.Seconds())
	if waitSecs > maxWaitSeconds {
		waitSecs = maxWaitSeconds
	}
	if maxBatch > maxBatchMessages {
		maxBatch = maxBatchMessages
	}

	out, err := c.b.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.b.opts.QueueURL),
		MaxNumberOfMessages:   int32(maxBatch),
		WaitTimeSeconds:       waitSecs,
		VisibilityTimeout:     int32(c.b.opts.VisibilityTimeout),
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive SQS messages: %w", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		id := aws.ToString(raw.MessageId)

		if c.b.takePendingDelete(id) {
			slog.Info("Deleting previously settled SQS message", "messageId", id)
			_, err := c.b.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.b.opts.QueueURL),
				ReceiptHandle: raw.ReceiptHandle,
			})
			if err != nil {
				slog.Warn("Deferred delete failed", "messageId", id, "error", err)
				c.b.markPendingDelete(id)
			}
			continue
		}

		msgs = append(msgs, &message{
			b:             c.b,
			id:            id,
			body:          []byte(aws.ToString(raw.Body)),
			group:         raw.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
			receiptHandle: aws.ToString(raw.ReceiptHandle),
			deliveryCount: parseReceiveCount(raw.Attributes),
		})
	}
	metrics.QueueMessagesConsumed.WithLabelValues(backendLabel).Add(float64(len(msgs)))
	return msgs, nil
}

func parseReceiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 1
	}
	return n
}

func (c *consumer) Close() error { return nil }

type message struct {
	b             *Broker
	id            string
	body          []byte
	group         string
	receiptHandle string
	deliveryCount int

	mu sync.Mutex
}

func (m *message) ID() string           { return m.id }
func (m *message) Body() []byte         { return m.body }
func (m *message) MessageGroup() string { return m.group }
func (m *message) DeliveryCount() int   { return m.deliveryCount }

func (m *message) handle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiptHandle
}

// ReceiptHandle exposes the current lease handle for redelivery matching.
func (m *message) ReceiptHandle() string { return m.handle() }

// UpdateReceiptHandle replaces the lease handle after a redelivery.
func (m *message) UpdateReceiptHandle(handle string) {
	m.mu.Lock()
	m.receiptHandle = handle
	m.mu.Unlock()
}

func (m *message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.b.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.b.opts.QueueURL),
		ReceiptHandle: aws.String(m.handle()),
	})
	if err != nil {
		if isExpiredReceiptHandle(err) {
			// Settle the inevitable redelivery instead.
			m.b.markPendingDelete(m.id)
			slog.Info("Receipt handle expired, delete deferred to next delivery", "messageId", m.id)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message %s: %w", m.id, err)
	}
	metrics.QueueAcks.WithLabelValues(backendLabel).Inc()
	return nil
}

func (m *message) NakWithDelay(seconds int) error {
	if err := m.changeVisibility(queue.ClampVisibility(seconds)); err != nil {
		return err
	}
	metrics.QueueNacks.WithLabelValues(backendLabel).Inc()
	return nil
}

func (m *message) ExtendVisibility(seconds int) error {
	return m.changeVisibility(queue.ClampVisibility(seconds))
}

func (m *message) changeVisibility(seconds int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.b.api.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.b.opts.QueueURL),
		ReceiptHandle:     aws.String(m.handle()),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		if isExpiredReceiptHandle(err) {
			slog.Debug("Receipt handle expired, visibility change skipped", "messageId", m.id)
			return nil
		}
		return fmt.Errorf("failed to change visibility of SQS message %s: %w", m.id, err)
	}
	return nil
}

func isExpiredReceiptHandle(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "ReceiptHandleIsInvalid") ||
		strings.Contains(s, "receipt handle has expired")
}
