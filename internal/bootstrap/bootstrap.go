// Package bootstrap holds the wiring shared by the scheduler and router
// binaries: logging setup and broker construction from configuration.
package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/queue/activemq"
	"go.flowcatalyst.tech/dispatch/internal/queue/embedded"
	"go.flowcatalyst.tech/dispatch/internal/queue/nats"
	"go.flowcatalyst.tech/dispatch/internal/queue/sqs"
)

// InitLogging configures the process-wide slog default from FC_LOG_LEVEL
// (debug|info|warn|error) and FC_LOG_FORMAT (text|json).
func InitLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("FC_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("FC_LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// NewBrokerFactory registers every backend against the configuration, so
// FC_QUEUE_TYPE alone selects the broker. Teardown for side resources (the
// in-process NATS server) lands on the cleanup stack.
func NewBrokerFactory(cfg *config.Config, cleanup *lifecycle.CleanupStack) *queue.Factory {
	f := queue.NewFactory()

	f.Register(queue.BackendEmbedded, func(context.Context) (queue.Broker, error) {
		return embedded.Open(embedded.Options{
			Path:              cfg.Queue.Embedded.DBPath,
			VisibilitySeconds: cfg.Queue.Embedded.VisibilityTimeout,
		})
	})

	f.Register(queue.BackendNATS, func(ctx context.Context) (queue.Broker, error) {
		url := cfg.Queue.NATS.URL
		if cfg.Queue.NATS.Embedded {
			storeDir := filepath.Join(os.TempDir(), "flowcatalyst-nats")
			embeddedURL, shutdown, err := nats.StartEmbeddedServer(storeDir)
			if err != nil {
				return nil, err
			}
			cleanup.Add(func() error { shutdown(); return nil })
			url = embeddedURL
		}
		return nats.Connect(ctx, nats.Options{
			URL:        url,
			StreamName: cfg.Queue.NATS.StreamName,
		})
	})

	f.Register(queue.BackendSQS, func(ctx context.Context) (queue.Broker, error) {
		return sqs.Connect(ctx, sqs.Options{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			VisibilityTimeout: cfg.Queue.SQS.VisibilityTimeout,
			Endpoint:          cfg.Queue.SQS.Endpoint,
			AccessKeyID:       cfg.Queue.SQS.AccessKeyID,
			SecretAccessKey:   cfg.Queue.SQS.SecretAccessKey,
		})
	})

	f.Register(queue.BackendActiveMQ, func(context.Context) (queue.Broker, error) {
		return activemq.Connect(activemq.Options{
			Address:     cfg.Queue.ActiveMQ.Address,
			Destination: cfg.Queue.ActiveMQ.Destination,
			Login:       cfg.Queue.ActiveMQ.Login,
			Passcode:    cfg.Queue.ActiveMQ.Passcode,
		})
	})

	return f
}

// OpenBroker builds the configured backend and queues its Close.
func OpenBroker(ctx context.Context, cfg *config.Config, cleanup *lifecycle.CleanupStack) (queue.Broker, error) {
	broker, err := NewBrokerFactory(cfg, cleanup).Open(ctx, string(cfg.Queue.Type))
	if err != nil {
		return nil, err
	}
	cleanup.Add(broker.Close)
	slog.Info("Broker connected", "backend", cfg.Queue.Type)
	return broker, nil
}
