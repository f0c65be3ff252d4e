// Package leader provides the single-writer guarantee for schedulers and
// pollers. The MongoDB elector holds a lease document with a TTL; followers
// keep trying to steal an expired lease. A no-op elector serves
// single-instance deployments.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Elector answers the single question every poller asks before a tick.
type Elector interface {
	IsLeader() bool
}

// Callbacks fire on leadership transitions. Both are optional and are
// invoked from the election loop goroutine.
type Callbacks struct {
	OnElected func()
	OnRevoked func()
}

// Config tunes the Mongo lease elector.
type Config struct {
	LockName        string        // lease document _id, e.g. "dispatch-scheduler"
	InstanceID      string        // unique per process
	TTL             time.Duration // lease lifetime, default 30s
	RefreshInterval time.Duration // renewal cadence, default 10s
}

type leaseDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoElector implements a lease in a leader_locks collection.
type MongoElector struct {
	coll      *mongo.Collection
	cfg       Config
	callbacks Callbacks

	isLeader atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMongoElector prepares an elector on db.leader_locks.
func NewMongoElector(db *mongo.Database, cfg Config, callbacks Callbacks) *MongoElector {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Second
	}
	return &MongoElector{
		coll:      db.Collection("leader_locks"),
		cfg:       cfg,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// Start begins the election loop. An expired-lease TTL index is created so
// abandoned locks are eventually garbage collected by the server.
func (e *MongoElector) Start(ctx context.Context) error {
	_, err := e.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.electionLoop(loopCtx)
	return nil
}

func (e *MongoElector) electionLoop(ctx context.Context) {
	defer close(e.done)

	e.attempt(ctx)

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

// attempt acquires or renews the lease. The filter matches when the lease is
// expired, absent, or already ours, so a single upsert covers steal and
// renew.
func (e *MongoElector) attempt(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now()
	filter := bson.M{
		"_id": e.cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.cfg.InstanceID},
		},
	}
	update := bson.M{"$set": leaseDoc{
		ID:         e.cfg.LockName,
		InstanceID: e.cfg.InstanceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.cfg.TTL),
	}}

	err := e.coll.FindOneAndUpdate(opCtx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true)).Err()

	switch {
	case err == nil:
		if e.isLeader.CompareAndSwap(false, true) {
			slog.Info("Acquired leadership", "lock", e.cfg.LockName, "instance", e.cfg.InstanceID)
			if e.callbacks.OnElected != nil {
				e.callbacks.OnElected()
			}
		}
	case mongo.IsDuplicateKeyError(err) || errors.Is(err, mongo.ErrNoDocuments):
		// Another instance holds a live lease.
		e.markFollower()
	default:
		slog.Warn("Leader election attempt failed", "lock", e.cfg.LockName, "error", err)
		e.markFollower()
	}
}

func (e *MongoElector) markFollower() {
	if e.isLeader.CompareAndSwap(true, false) {
		slog.Warn("Lost leadership", "lock", e.cfg.LockName, "instance", e.cfg.InstanceID)
		if e.callbacks.OnRevoked != nil {
			e.callbacks.OnRevoked()
		}
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (e *MongoElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Stop ends the loop and releases the lease if held.
func (e *MongoElector) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if !e.isLeader.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.coll.DeleteOne(ctx, bson.M{
		"_id":        e.cfg.LockName,
		"instanceId": e.cfg.InstanceID,
	})
	if err != nil {
		slog.Warn("Failed to release leader lock", "lock", e.cfg.LockName, "error", err)
	}
	e.markFollower()
}

// StaticElector always answers the same way. Used when leader election is
// disabled (single-instance deployments) and in tests.
type StaticElector bool

func (s StaticElector) IsLeader() bool { return bool(s) }
