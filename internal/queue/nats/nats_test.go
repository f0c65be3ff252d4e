package nats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()

	url, shutdown, err := StartEmbeddedServer(t.TempDir())
	if err != nil {
		t.Fatalf("StartEmbeddedServer: %v", err)
	}
	t.Cleanup(shutdown)

	b, err := Connect(context.Background(), Options{
		URL:        url,
		StreamName: "DISPATCH_TEST",
		Subject:    "dispatch.test",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	body := []byte(`{"id":"job-1","poolCode":"DISPATCH-POOL"}`)
	err := b.Publisher().Publish(ctx, queue.OutboundMessage{
		MessageGroupID:  "g1",
		DeduplicationID: "job-1",
		Body:            body,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := b.Consumer().Fetch(ctx, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Body()) != string(body) {
		t.Errorf("body mismatch: %s", msgs[0].Body())
	}
	if msgs[0].MessageGroup() != "g1" {
		t.Errorf("group mismatch: %s", msgs[0].MessageGroup())
	}
	if err := msgs[0].Ack(); err != nil {
		t.Errorf("Ack: %v", err)
	}
}

func TestPublishDeduplication(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	msg := queue.OutboundMessage{
		MessageGroupID:  "g",
		DeduplicationID: "dup-1",
		Body:            []byte("once"),
	}
	if err := b.Publisher().Publish(ctx, msg); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := b.Publisher().Publish(ctx, msg)
	if !queue.IsDeduplicated(err) {
		t.Fatalf("expected deduplicated error, got %v", err)
	}
}

func TestFetchPreservesOrder(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Publisher().Publish(ctx, queue.OutboundMessage{
			MessageGroupID:  "g",
			DeduplicationID: fmt.Sprintf("m-%d", i),
			Body:            []byte(fmt.Sprintf("m%d", i)),
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	msgs, err := b.Consumer().Fetch(ctx, 5, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if string(m.Body()) != fmt.Sprintf("m%d", i) {
			t.Errorf("position %d: got %s", i, m.Body())
		}
	}
}

func TestQueryMetrics(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	err := b.Publisher().Publish(ctx, queue.OutboundMessage{
		DeduplicationID: "m-1",
		Body:            []byte("m1"),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m, err := b.QueryMetrics(ctx)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if m.Pending != 1 {
		t.Errorf("expected 1 pending, got %d", m.Pending)
	}
}
