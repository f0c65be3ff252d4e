package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// fakeAPI is an in-memory stand-in for the SQS client.
type fakeAPI struct {
	mu       sync.Mutex
	sent     []*awssqs.SendMessageInput
	deleted  []string
	visible  map[string]int32
	messages []types.Message

	deleteErr error
}

func (f *fakeAPI) SendMessage(_ context.Context, params *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	return &awssqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, _ *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &awssqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, params *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(_ context.Context, params *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visible == nil {
		f.visible = make(map[string]int32)
	}
	f.visible[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeAPI) GetQueueAttributes(_ context.Context, _ *awssqs.GetQueueAttributesInput, _ ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	return &awssqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages):           "3",
		string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "2",
	}}, nil
}

func testMessage(id, handle, group, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameMessageGroupId):          group,
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "1",
		},
	}
}

func TestPublishCarriesGroupAndDedup(t *testing.T) {
	api := &fakeAPI{}
	b := NewWithAPI(api, Options{QueueURL: "https://sqs/q.fifo"})

	err := b.Publisher().Publish(context.Background(), queue.OutboundMessage{
		MessageGroupID:  "g1",
		DeduplicationID: "job-1",
		Body:            []byte("body"),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(api.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(api.sent))
	}
	sent := api.sent[0]
	if aws.ToString(sent.MessageGroupId) != "g1" {
		t.Errorf("group: got %s", aws.ToString(sent.MessageGroupId))
	}
	if aws.ToString(sent.MessageDeduplicationId) != "job-1" {
		t.Errorf("dedup: got %s", aws.ToString(sent.MessageDeduplicationId))
	}
}

func TestFetchAndAck(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{
		testMessage("m-1", "rh-1", "g1", "hello"),
	}}
	b := NewWithAPI(api, Options{QueueURL: "https://sqs/q.fifo"})

	msgs, err := b.Consumer().Fetch(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID() != "m-1" || msgs[0].MessageGroup() != "g1" {
		t.Errorf("message fields: id=%s group=%s", msgs[0].ID(), msgs[0].MessageGroup())
	}

	if err := msgs[0].Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-1" {
		t.Errorf("delete not issued with receipt handle: %v", api.deleted)
	}
}

func TestNakWithDelayClamps(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{
		testMessage("m-1", "rh-1", "g1", "hello"),
	}}
	b := NewWithAPI(api, Options{QueueURL: "https://sqs/q.fifo"})

	msgs, _ := b.Consumer().Fetch(context.Background(), 10, time.Second)
	if err := msgs[0].NakWithDelay(100000); err != nil {
		t.Fatalf("NakWithDelay: %v", err)
	}
	if got := api.visible["rh-1"]; got != queue.MaxVisibilitySeconds {
		t.Errorf("visibility: got %d, want %d", got, queue.MaxVisibilitySeconds)
	}

	api.messages = []types.Message{testMessage("m-2", "rh-2", "g1", "x")}
	msgs, _ = b.Consumer().Fetch(context.Background(), 10, time.Second)
	if err := msgs[0].NakWithDelay(0); err != nil {
		t.Fatalf("NakWithDelay: %v", err)
	}
	if got := api.visible["rh-2"]; got != queue.MinVisibilitySeconds {
		t.Errorf("visibility: got %d, want %d", got, queue.MinVisibilitySeconds)
	}
}

func TestExpiredReceiptHandleDefersDelete(t *testing.T) {
	api := &fakeAPI{
		messages:  []types.Message{testMessage("m-1", "rh-1", "g1", "x")},
		deleteErr: errors.New("ReceiptHandleIsInvalid: The receipt handle has expired"),
	}
	b := NewWithAPI(api, Options{QueueURL: "https://sqs/q.fifo"})

	msgs, _ := b.Consumer().Fetch(context.Background(), 10, time.Second)
	if err := msgs[0].Ack(); err != nil {
		t.Fatalf("Ack should absorb expired handle, got %v", err)
	}

	// The redelivery is deleted on sight instead of being routed.
	api.deleteErr = nil
	api.messages = []types.Message{testMessage("m-1", "rh-fresh", "g1", "x")}
	redelivered, err := b.Consumer().Fetch(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(redelivered) != 0 {
		t.Errorf("redelivery of settled message should be consumed, got %d messages", len(redelivered))
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-fresh" {
		t.Errorf("deferred delete not issued: %v", api.deleted)
	}
}

func TestQueryMetrics(t *testing.T) {
	b := NewWithAPI(&fakeAPI{}, Options{QueueURL: "https://sqs/q.fifo"})
	m, err := b.QueryMetrics(context.Background())
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if m.Pending != 3 || m.Invisible != 2 {
		t.Errorf("metrics: %+v", m)
	}
}

func TestUpdateReceiptHandle(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{
		testMessage("m-1", "rh-old", "g1", "x"),
	}}
	b := NewWithAPI(api, Options{QueueURL: "https://sqs/q.fifo"})

	msgs, _ := b.Consumer().Fetch(context.Background(), 10, time.Second)
	upd, ok := msgs[0].(queue.ReceiptHandleUpdatable)
	if !ok {
		t.Fatal("SQS message should be ReceiptHandleUpdatable")
	}
	upd.UpdateReceiptHandle("rh-new")

	if err := msgs[0].Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if api.deleted[0] != "rh-new" {
		t.Errorf("ack used stale handle: %v", api.deleted)
	}
}
