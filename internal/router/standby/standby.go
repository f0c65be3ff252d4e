// Package standby coordinates primary/standby routers over a Redis lease.
// One instance holds the lease and routes; the others acknowledge inbound
// traffic without processing until the lease frees up.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLeaseKey is the shared lock name.
	DefaultLeaseKey = "flowcatalyst:router:primary"

	DefaultLeaseTTL        = 30 * time.Second
	DefaultRefreshInterval = 10 * time.Second
)

// releaseScript frees the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// refreshScript extends the lease only if we still own it.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Callbacks fire on role transitions. Both run on the coordinator
// goroutine and must not block.
type Callbacks struct {
	OnPromoted func()
	OnDemoted  func()
}

// Options tunes the lease.
type Options struct {
	LeaseKey        string
	LeaseTTL        time.Duration
	RefreshInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LeaseKey == "" {
		o.LeaseKey = DefaultLeaseKey
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	return o
}

// Coordinator runs the acquire/refresh loop.
type Coordinator struct {
	client     *redis.Client
	opts       Options
	instanceID string
	callbacks  Callbacks

	mu      sync.Mutex
	primary bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(client *redis.Client, opts Options, callbacks Callbacks) *Coordinator {
	return &Coordinator{
		client:     client,
		opts:       opts.withDefaults(),
		instanceID: uuid.NewString(),
		callbacks:  callbacks,
		done:       make(chan struct{}),
	}
}

// Name implements lifecycle.Service.
func (c *Coordinator) Name() string { return "standby-coordinator" }

func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	// Try once synchronously so a lone instance is primary before serving.
	c.attempt(ctx)

	go c.run(runCtx)
	return nil
}

func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Release so a standby can take over immediately.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, c.client, []string{c.opts.LeaseKey}, c.instanceID).Err(); err != nil && err != redis.Nil {
		slog.Warn("Failed to release primary lease", "error", err)
	}
	c.setPrimary(false)
	return nil
}

// IsPrimary reports the current role.
func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.attempt(ctx)
		}
	}
}

// attempt refreshes an owned lease or tries to claim a free one.
func (c *Coordinator) attempt(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttlMillis := c.opts.LeaseTTL.Milliseconds()

	if c.IsPrimary() {
		kept, err := refreshScript.Run(opCtx, c.client,
			[]string{c.opts.LeaseKey}, c.instanceID, ttlMillis).Int()
		if err != nil && err != redis.Nil {
			slog.Warn("Primary lease refresh failed, demoting", "error", err)
			c.setPrimary(false)
			return
		}
		if kept == 0 {
			slog.Warn("Primary lease lost to another instance")
			c.setPrimary(false)
		}
		return
	}

	ok, err := c.client.SetNX(opCtx, c.opts.LeaseKey, c.instanceID, c.opts.LeaseTTL).Result()
	if err != nil {
		slog.Warn("Primary lease acquisition failed", "error", err)
		return
	}
	if ok {
		slog.Info("Acquired primary lease", "instanceId", c.instanceID)
		c.setPrimary(true)
	}
}

func (c *Coordinator) setPrimary(primary bool) {
	c.mu.Lock()
	changed := c.primary != primary
	c.primary = primary
	c.mu.Unlock()

	if !changed {
		return
	}
	if primary {
		if c.callbacks.OnPromoted != nil {
			c.callbacks.OnPromoted()
		}
	} else if c.callbacks.OnDemoted != nil {
		c.callbacks.OnDemoted()
	}
}
