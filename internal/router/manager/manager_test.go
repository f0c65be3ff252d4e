package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

type mediateFunc func(ctx context.Context, ptr *model.MessagePointer) model.MediationResult

func (f mediateFunc) Mediate(ctx context.Context, ptr *model.MessagePointer) model.MediationResult {
	return f(ctx, ptr)
}

func succeed(context.Context, *model.MessagePointer) model.MediationResult {
	return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
}

// fakeMsg is an in-memory broker message recording its settlement.
type fakeMsg struct {
	id     string
	body   []byte
	group  string
	handle string

	mu        sync.Mutex
	acked     bool
	nackDelay int
	nacked    bool
	extended  int

	settled chan struct{}
}

func newFakeMsg(id string, body []byte) *fakeMsg {
	return &fakeMsg{id: id, body: body, handle: "h-" + id, settled: make(chan struct{}, 1)}
}

func (m *fakeMsg) ID() string           { return m.id }
func (m *fakeMsg) Body() []byte         { return m.body }
func (m *fakeMsg) MessageGroup() string { return m.group }
func (m *fakeMsg) DeliveryCount() int   { return 1 }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	m.acked = true
	m.mu.Unlock()
	select {
	case m.settled <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMsg) NakWithDelay(seconds int) error {
	m.mu.Lock()
	m.nacked = true
	m.nackDelay = seconds
	m.mu.Unlock()
	select {
	case m.settled <- struct{}{}:
	default:
	}
	return nil
}

func (m *fakeMsg) ExtendVisibility(int) error {
	m.mu.Lock()
	m.extended++
	m.mu.Unlock()
	return nil
}

func (m *fakeMsg) ReceiptHandle() string { return m.handle }
func (m *fakeMsg) UpdateReceiptHandle(handle string) {
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()
}

func (m *fakeMsg) waitSettled(t *testing.T) {
	t.Helper()
	select {
	case <-m.settled:
	case <-time.After(5 * time.Second):
		t.Fatalf("message %s never settled", m.id)
	}
}

func (m *fakeMsg) wasAcked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func (m *fakeMsg) nackedWith() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacked, m.nackDelay
}

func envBody(t *testing.T, jobID, poolCode, group string) []byte {
	t.Helper()
	e := &model.Envelope{
		ID:              jobID,
		PoolCode:        poolCode,
		AuthToken:       "tok",
		MediationType:   model.MediationHTTP,
		MediationTarget: "https://example.com/hook",
		MessageGroupID:  group,
	}
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func delivery(t *testing.T, msg *fakeMsg) Delivery {
	t.Helper()
	env, err := model.ParseEnvelope(msg.body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return Delivery{Msg: msg, Env: env}
}

func startManager(t *testing.T, med mediateFunc, source PoolConfigSource, opts Options) *Manager {
	t.Helper()
	m := New(med, nil, source, opts)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func TestRouteAndAck(t *testing.T) {
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, mediateFunc(succeed), source, Options{})

	msg := newFakeMsg("bm-1", envBody(t, "job-1", "POOL-A", "g1"))
	m.RouteBatch([]Delivery{delivery(t, msg)})
	msg.waitSettled(t)

	if !msg.wasAcked() {
		t.Error("successful mediation should ack the broker message")
	}
}

func TestRouteFailureNacks(t *testing.T) {
	med := mediateFunc(func(context.Context, *model.MessagePointer) model.MediationResult {
		return model.MediationResult{Outcome: model.OutcomeErrorProcess, StatusCode: 503}
	})
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, med, source, Options{})

	msg := newFakeMsg("bm-1", envBody(t, "job-1", "POOL-A", "g1"))
	m.RouteBatch([]Delivery{delivery(t, msg)})
	msg.waitSettled(t)

	if nacked, delay := msg.nackedWith(); !nacked || delay != 120 {
		t.Errorf("failure should nack with default delay, nacked=%v delay=%d", nacked, delay)
	}
}

func TestUnknownPoolFallsBackToDefault(t *testing.T) {
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, mediateFunc(succeed), source, Options{})

	msg := newFakeMsg("bm-1", envBody(t, "job-1", "NO-SUCH-POOL", "g1"))
	m.RouteBatch([]Delivery{delivery(t, msg)})
	msg.waitSettled(t)

	if !msg.wasAcked() {
		t.Error("message should process through the default pool")
	}

	snap := m.Stats()
	var found bool
	for _, p := range snap.Pools {
		if p.Code == DefaultPoolCode {
			found = true
		}
	}
	if !found {
		t.Errorf("default pool should exist after fallback, pools: %+v", snap.Pools)
	}
}

func TestRedeliveryRefreshesHandleAndReleasesDuplicate(t *testing.T) {
	block := make(chan struct{})
	med := mediateFunc(func(context.Context, *model.MessagePointer) model.MediationResult {
		<-block
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, med, source, Options{})

	body := envBody(t, "job-1", "POOL-A", "g1")
	original := newFakeMsg("bm-1", body)
	m.RouteBatch([]Delivery{delivery(t, original)})

	// Wait until the message is tracked before redelivering.
	deadline := time.Now().Add(5 * time.Second)
	for m.Stats().PipelineSize == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never entered the pipeline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	redelivered := newFakeMsg("bm-1", body)
	redelivered.handle = "h-fresh"
	m.RouteBatch([]Delivery{delivery(t, redelivered)})
	redelivered.waitSettled(t)

	if nacked, delay := redelivered.nackedWith(); !nacked || delay != 0 {
		t.Errorf("duplicate should be released with zero delay, nacked=%v delay=%d", nacked, delay)
	}

	close(block)
	original.waitSettled(t)

	if original.ReceiptHandle() != "h-fresh" {
		t.Errorf("stored handle should be refreshed, got %q", original.ReceiptHandle())
	}
	if !original.wasAcked() {
		t.Error("original message should still settle normally")
	}
}

func TestStandbyAcksWithoutRouting(t *testing.T) {
	var mediated bool
	med := mediateFunc(func(context.Context, *model.MessagePointer) model.MediationResult {
		mediated = true
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, med, source, Options{})
	m.SetActive(false)

	msg := newFakeMsg("bm-1", envBody(t, "job-1", "POOL-A", "g1"))
	m.RouteBatch([]Delivery{delivery(t, msg)})
	msg.waitSettled(t)

	if !msg.wasAcked() {
		t.Error("standby should ack inbound messages")
	}
	if mediated {
		t.Error("standby must not invoke the mediator")
	}
	if m.Stats().PipelineSize != 0 {
		t.Error("standby must not track messages")
	}
}

func TestConfigSyncDrainsRemovedPool(t *testing.T) {
	var mu sync.Mutex
	settings := []PoolSettings{{Code: "POOL-A", Concurrency: 2}}
	source := poolConfigFunc(func(context.Context) ([]PoolSettings, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]PoolSettings, len(settings))
		copy(out, settings)
		return out, nil
	})

	m := startManager(t, mediateFunc(succeed), source, Options{
		ConfigSyncInterval: 50 * time.Millisecond,
		DrainCheckInterval: 20 * time.Millisecond,
	})

	// Remove the pool and wait for it to drain away.
	mu.Lock()
	settings = nil
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := m.Stats()
		if len(snap.Pools) == 0 && len(snap.Draining) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool never drained: %+v", snap)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type poolConfigFunc func(ctx context.Context) ([]PoolSettings, error)

func (f poolConfigFunc) PoolConfigs(ctx context.Context) ([]PoolSettings, error) { return f(ctx) }

func TestVisibilityExtendedWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	med := mediateFunc(func(context.Context, *model.MessagePointer) model.MediationResult {
		<-block
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: 200}
	})
	source := StaticPoolConfigSource{{Code: "POOL-A", Concurrency: 2}}
	m := startManager(t, med, source, Options{
		ExtendInterval: 30 * time.Millisecond,
	})

	msg := newFakeMsg("bm-1", envBody(t, "job-1", "POOL-A", "g1"))
	m.RouteBatch([]Delivery{delivery(t, msg)})

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg.mu.Lock()
		extended := msg.extended
		msg.mu.Unlock()
		if extended > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("in-flight message was never extended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(block)
	msg.waitSettled(t)
}
