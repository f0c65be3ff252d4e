package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

type mediateFunc func(ctx context.Context, ptr *model.MessagePointer) model.MediationResult

func (f mediateFunc) Mediate(ctx context.Context, ptr *model.MessagePointer) model.MediationResult {
	return f(ctx, ptr)
}

func succeed(context.Context, *model.MessagePointer) model.MediationResult {
	return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
}

// recordingSettler collects settlements and signals each one on a channel.
type recordingSettler struct {
	mu     sync.Mutex
	acks   []string
	nacks  map[string]int
	signal chan string
}

func newRecordingSettler() *recordingSettler {
	return &recordingSettler{
		nacks:  make(map[string]int),
		signal: make(chan string, 100),
	}
}

func (s *recordingSettler) Ack(id string) {
	s.mu.Lock()
	s.acks = append(s.acks, id)
	s.mu.Unlock()
	s.signal <- id
}

func (s *recordingSettler) Nack(id string, delaySeconds int) {
	s.mu.Lock()
	s.nacks[id] = delaySeconds
	s.mu.Unlock()
	s.signal <- id
}

func (s *recordingSettler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for settlement %d of %d", i+1, n)
		}
	}
}

func (s *recordingSettler) nackDelay(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.nacks[id]
	return d, ok
}

func (s *recordingSettler) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

func ptr(id, group, batch string) *model.MessagePointer {
	return &model.MessagePointer{
		Envelope: &model.Envelope{
			ID:              "job-" + id,
			MediationType:   model.MediationHTTP,
			MediationTarget: "https://example.com/hook",
			MessageGroupID:  group,
		},
		BrokerMessageID: id,
		BatchID:         batch,
	}
}

func TestGroupOrderPreserved(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight, maxInFlight int32

	med := mediateFunc(func(_ context.Context, p *model.MessagePointer) model.MediationResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, p.BrokerMessageID)
		mu.Unlock()
		atomic.AddInt32(&inFlight, -1)
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 10}, med, settler, nil)
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		if err := p.Submit(ptr(string(rune('a'+i)), "g1", "b1")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	settler.waitFor(t, 5)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d", "e"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
	if atomic.LoadInt32(&maxInFlight) != 1 {
		t.Errorf("single group should never run concurrently, saw %d in flight", maxInFlight)
	}
}

func TestConcurrencyBounded(t *testing.T) {
	var inFlight, maxInFlight int32
	release := make(chan struct{})

	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2, QueueCapacity: 100}, med, settler, nil)
	defer p.Shutdown()

	// Ten distinct groups so ordering cannot serialize them.
	for i := 0; i < 10; i++ {
		if err := p.Submit(ptr(string(rune('a'+i)), "g"+string(rune('a'+i)), "b1")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	close(release)
	settler.waitFor(t, 10)

	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Errorf("concurrency exceeded: saw %d in flight, limit 2", got)
	}
}

func TestBatchGroupFailureBarrier(t *testing.T) {
	var mediated int32
	med := mediateFunc(func(_ context.Context, p *model.MessagePointer) model.MediationResult {
		atomic.AddInt32(&mediated, 1)
		if p.BrokerMessageID == "m1" {
			return model.MediationResult{Outcome: model.OutcomeErrorProcess, StatusCode: 502}
		}
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 5}, med, settler, nil)
	defer p.Shutdown()

	// Same batch, same group: m1 fails, m2 and m3 must fast-fail unseen.
	// otherGroup shares the batch but not the group and sails through.
	for _, m := range []*model.MessagePointer{
		ptr("m1", "g1", "b1"),
		ptr("m2", "g1", "b1"),
		ptr("m3", "g1", "b1"),
		ptr("other", "g2", "b1"),
	} {
		if err := p.Submit(m); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	settler.waitFor(t, 4)

	if d, ok := settler.nackDelay("m1"); !ok || d != queue.DefaultFailureVisibilitySeconds {
		t.Errorf("m1 should nack with default delay, got %d (ok=%v)", d, ok)
	}
	for _, id := range []string{"m2", "m3"} {
		if d, ok := settler.nackDelay(id); !ok || d != queue.FastFailVisibilitySeconds {
			t.Errorf("%s should fast-fail with %ds, got %d (ok=%v)",
				id, queue.FastFailVisibilitySeconds, d, ok)
		}
	}
	if settler.ackCount() != 1 {
		t.Errorf("only the other-group message should ack, got %d", settler.ackCount())
	}
	// m1 and other mediate; m2 and m3 must not.
	if got := atomic.LoadInt32(&mediated); got != 2 {
		t.Errorf("mediation count: got %d, want 2", got)
	}
}

func TestBatchGroupGateClearsWhenDrained(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		if fail.Load() {
			return model.MediationResult{Outcome: model.OutcomeErrorProcess, StatusCode: 500}
		}
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, med, settler, nil)
	defer p.Shutdown()

	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	// The gate cleared with the batch+group count; a redelivery under a new
	// batch id mediates normally.
	fail.Store(false)
	if err := p.Submit(ptr("m1-redelivery", "g1", "b2")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	if settler.ackCount() != 1 {
		t.Errorf("redelivered message should ack, acks=%d", settler.ackCount())
	}
}

func TestRateLimitFastFails(t *testing.T) {
	var mediated int32
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		atomic.AddInt32(&mediated, 1)
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	// Burst of 1: the second message in the same instant exceeds the bucket.
	p := NewProcessPool("TEST", Config{Concurrency: 5, RateLimitPerMinute: 1}, med, settler, nil)
	defer p.Shutdown()

	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(ptr("m2", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 2)

	if d, ok := settler.nackDelay("m2"); !ok || d != queue.FastFailVisibilitySeconds {
		t.Errorf("rate-limited message should fast-fail with %ds, got %d (ok=%v)",
			queue.FastFailVisibilitySeconds, d, ok)
	}
	if got := atomic.LoadInt32(&mediated); got != 1 {
		t.Errorf("rate-limited message must not reach the mediator, mediated=%d", got)
	}
}

func TestConfigErrorAcksToDrop(t *testing.T) {
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		return model.MediationResult{Outcome: model.OutcomeErrorConfig, StatusCode: 404}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, med, settler, nil)
	defer p.Shutdown()

	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	if settler.ackCount() != 1 {
		t.Errorf("permanent rejection should ack to drop, acks=%d", settler.ackCount())
	}
	if _, ok := settler.nackDelay("m1"); ok {
		t.Error("permanent rejection must not nack")
	}
}

func TestResponseDelayHonored(t *testing.T) {
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		return model.MediationResult{Outcome: model.OutcomeErrorProcess, StatusCode: 429, DelaySeconds: 300}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, med, settler, nil)
	defer p.Shutdown()

	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	if d, _ := settler.nackDelay("m1"); d != 300 {
		t.Errorf("requested delay not honored: got %d, want 300", d)
	}
}

func TestIdleWorkerRestartsOnNextSubmit(t *testing.T) {
	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, mediateFunc(succeed), settler, nil)
	defer p.Shutdown()
	p.idleTimeout = 5 * time.Millisecond

	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	// Wait for the group worker to idle out and deregister.
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().MessageGroups != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle worker never deregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Submit(ptr("m2", "g1", "b2")); err != nil {
		t.Fatalf("Submit after idle exit: %v", err)
	}
	settler.waitFor(t, 1)

	if settler.ackCount() != 2 {
		t.Errorf("acks: got %d, want 2", settler.ackCount())
	}
}

func TestIdleWorkerHandoffLosesNoMessages(t *testing.T) {
	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2, QueueCapacity: 200}, mediateFunc(succeed), settler, nil)
	defer p.Shutdown()
	// Idle window of one millisecond so deregistration races nearly every
	// submit; every message must still be settled.
	p.idleTimeout = time.Millisecond

	const n = 100
	for i := 0; i < n; i++ {
		if err := p.Submit(ptr(fmt.Sprintf("m%d", i), "g1", "b1")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	settler.waitFor(t, n)

	if settler.ackCount() != n {
		t.Errorf("acks: got %d, want %d", settler.ackCount(), n)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		<-release
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 1, QueueCapacity: MinQueueCapacity}, med, settler, nil)
	defer p.Shutdown()
	defer close(release)

	var rejected bool
	for i := 0; i < MinQueueCapacity+10; i++ {
		if err := p.Submit(ptr(string(rune(i)), "g1", "b1")); err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Error("pool over capacity should reject submits")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 1}, mediateFunc(succeed), settler, nil)
	p.Shutdown()

	if err := p.Submit(ptr("m1", "g1", "b1")); err == nil {
		t.Error("submit after shutdown should fail")
	}
}

func TestUpdateConcurrency(t *testing.T) {
	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, mediateFunc(succeed), settler, nil)
	defer p.Shutdown()

	if err := p.UpdateConcurrency(5); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if s := p.Stats(); s.Concurrency != 5 || s.AvailablePermits != 5 {
		t.Errorf("after increase: %+v", s)
	}

	if err := p.UpdateConcurrency(1); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if s := p.Stats(); s.Concurrency != 1 || s.AvailablePermits != 1 {
		t.Errorf("after decrease: %+v", s)
	}

	if err := p.UpdateConcurrency(0); err == nil {
		t.Error("zero concurrency should be rejected")
	}
}

func TestUpdateRateLimit(t *testing.T) {
	var mediated int32
	med := mediateFunc(func(_ context.Context, _ *model.MessagePointer) model.MediationResult {
		atomic.AddInt32(&mediated, 1)
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})

	settler := newRecordingSettler()
	p := NewProcessPool("TEST", Config{Concurrency: 2}, med, settler, nil)
	defer p.Shutdown()

	// Unlimited, then limited down to one per minute.
	if err := p.Submit(ptr("m1", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 1)

	p.UpdateRateLimit(1)
	if err := p.Submit(ptr("m2", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(ptr("m3", "g1", "b1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	settler.waitFor(t, 2)

	if _, ok := settler.nackDelay("m3"); !ok {
		t.Error("message over the new rate limit should fast-fail")
	}
}
