// The router binary consumes dispatch messages from the broker, delivers
// them over HTTP with per-group ordering, and settles each one back against
// the broker. An optional Redis lease coordinates primary/standby pairs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.flowcatalyst.tech/dispatch/internal/bootstrap"
	"go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	fcmongo "go.flowcatalyst.tech/dispatch/internal/common/mongo"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/api"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/recorder"
	"go.flowcatalyst.tech/dispatch/internal/router/standby"
)

func main() {
	bootstrap.InitLogging()
	if err := run(); err != nil {
		slog.Error("Router exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	cleanup := &lifecycle.CleanupStack{}
	defer cleanup.Run()

	client, err := fcmongo.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	cleanup.Add(func() error { return fcmongo.Disconnect(client) })
	db := client.Database(cfg.Mongo.Database)

	repo := dispatchjob.NewMongoRepository(db)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("job indexes: %w", err)
	}

	broker, err := bootstrap.OpenBroker(ctx, cfg, cleanup)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	signer := dispatchjob.NewWebhookSigner(cfg.Scheduler.SigningSecret)
	med := mediator.NewHTTPMediator(repo, signer, mediator.DefaultOptions())

	mgr := manager.New(med, recorder.New(repo), poolSource(cfg), manager.Options{
		ConfigSyncInterval: time.Duration(cfg.Router.ConfigSyncSecs) * time.Second,
	})

	consumers := manager.NewConsumerGroup(broker.Consumer(), mgr, manager.ConsumerOptions{
		Connections: cfg.Router.Consumers,
	})

	services := []lifecycle.Service{mgr, consumers}

	if cfg.Router.StandbyEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.Add(redisClient.Close)

		// Start in standby; the lease promotes exactly one instance.
		mgr.SetActive(false)
		coord := standby.New(redisClient, standby.Options{}, standby.Callbacks{
			OnPromoted: func() { mgr.SetActive(true) },
			OnDemoted:  func() { mgr.SetActive(false) },
		})
		services = append(services, coord)
	}

	services = append(services, queue.NewMetricsPoller(broker, string(cfg.Queue.Type), 30*time.Second))
	services = append(services, httpService(cfg, client, broker, mgr, consumers))

	return lifecycle.Run(ctx, services...)
}

// poolSource serves the configured pools, guaranteeing the scheduler's
// default pool code always resolves.
func poolSource(cfg *config.Config) manager.PoolConfigSource {
	var settings []manager.PoolSettings
	seen := false
	for _, p := range cfg.Router.Pools {
		if p.Code == cfg.Scheduler.DefaultDispatchPoolCode {
			seen = true
		}
		settings = append(settings, manager.PoolSettings{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			QueueCapacity:      p.QueueCapacity,
			RateLimitPerMinute: p.RateLimitPerMinute,
		})
	}
	if !seen && cfg.Scheduler.DefaultDispatchPoolCode != "" {
		settings = append(settings, manager.PoolSettings{Code: cfg.Scheduler.DefaultDispatchPoolCode})
	}
	return manager.StaticPoolConfigSource(settings)
}

func httpService(cfg *config.Config, client *mongo.Client, broker queue.Broker, mgr *manager.Manager, consumers *manager.ConsumerGroup) lifecycle.Service {
	checker := health.NewChecker()
	checker.AddReadinessCheck("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
	checker.AddReadinessCheck("broker", func(ctx context.Context) error {
		_, err := broker.QueryMetrics(ctx)
		return err
	})
	checker.AddReadinessCheck("consumers", func(context.Context) error {
		if !consumers.Healthy() {
			return fmt.Errorf("a consumer has not polled within the stall window")
		}
		return nil
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", api.NewRouter(api.Deps{
		Manager:   mgr,
		Consumers: consumers,
		Broker:    broker,
		Backend:   string(cfg.Queue.Type),
	}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return lifecycle.NewHTTPService("http", server)
}
