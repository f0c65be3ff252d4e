// The scheduler binary drains persisted dispatch jobs into the broker. It
// serves health and metrics endpoints and, when leader election is enabled,
// only the elected instance polls.
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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.flowcatalyst.tech/dispatch/internal/bootstrap"
	"go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	fcmongo "go.flowcatalyst.tech/dispatch/internal/common/mongo"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/scheduler"
)

func main() {
	bootstrap.InitLogging()
	if err := run(); err != nil {
		slog.Error("Scheduler exited with error", "error", err)
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

	var services []lifecycle.Service

	var elector leader.Elector = leader.StaticElector(true)
	if cfg.Leader.Enabled {
		mongoElector := leader.NewMongoElector(db, leader.Config{
			LockName:        "dispatch-scheduler",
			InstanceID:      cfg.Leader.InstanceID,
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		}, leader.Callbacks{
			OnElected: func() { slog.Info("This instance is now the scheduler leader") },
			OnRevoked: func() { slog.Info("Scheduler leadership lost") },
		})
		if err := mongoElector.Start(ctx); err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		cleanup.Add(func() error { mongoElector.Stop(); return nil })
		elector = mongoElector
	}

	if cfg.Scheduler.Enabled {
		auth := dispatchjob.NewAuthService(cfg.Scheduler.AppKey)
		sched := scheduler.New(repo, broker.Publisher(), auth, elector, scheduler.Options{
			PollInterval:        cfg.Scheduler.PollInterval,
			BatchSize:           cfg.Scheduler.BatchSize,
			MaxConcurrentGroups: cfg.Scheduler.MaxConcurrentGroups,
			DefaultPoolCode:     cfg.Scheduler.DefaultDispatchPoolCode,
			StalePollInterval:   cfg.Scheduler.StaleQueuedPollInterval,
			StaleThreshold:      cfg.Scheduler.StaleQueuedThreshold,
			StaleBatchLimit:     100,
		})
		services = append(services, sched)
	} else {
		slog.Warn("Scheduler polling disabled, serving health and metrics only")
	}

	services = append(services, queue.NewMetricsPoller(broker, string(cfg.Queue.Type), 30*time.Second))
	services = append(services, httpService(cfg, client, broker))

	return lifecycle.Run(ctx, services...)
}

func httpService(cfg *config.Config, client *mongo.Client, broker queue.Broker) lifecycle.Service {
	checker := health.NewChecker()
	checker.AddReadinessCheck("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
	checker.AddReadinessCheck("broker", func(ctx context.Context) error {
		_, err := broker.QueryMetrics(ctx)
		return err
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return lifecycle.NewHTTPService("http", server)
}
