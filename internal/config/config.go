// Package config assembles runtime configuration from environment variables
// with an optional TOML overlay file. Environment variables win over the
// file; defaults match the documented option table.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueueType selects the broker backend.
type QueueType string

const (
	QueueEmbedded QueueType = "embedded"
	QueueNATS     QueueType = "nats"
	QueueSQS      QueueType = "sqs"
	QueueActiveMQ QueueType = "activemq"
)

// Config is the root configuration shared by the scheduler and router
// binaries.
type Config struct {
	HTTP      HTTPConfig
	Mongo     MongoConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Router    RouterConfig
	Leader    LeaderConfig
	Redis     RedisConfig
}

type HTTPConfig struct {
	Port int
}

type MongoConfig struct {
	URI      string
	Database string
}

type QueueConfig struct {
	Type     QueueType
	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
	Embedded EmbeddedConfig
}

type NATSConfig struct {
	URL        string
	StreamName string
	Embedded   bool // run an in-process JetStream server (development)
}

type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
	Endpoint          string // custom endpoint for LocalStack testing
	AccessKeyID       string // static credentials, used with custom endpoints
	SecretAccessKey   string
}

type ActiveMQConfig struct {
	Address     string // host:port of the STOMP listener
	Destination string
	Login       string
	Passcode    string
}

type EmbeddedConfig struct {
	DBPath            string
	VisibilityTimeout int // seconds
}

type SchedulerConfig struct {
	Enabled                 bool
	PollInterval            time.Duration
	BatchSize               int
	MaxConcurrentGroups     int
	DefaultDispatchPoolCode string
	ProcessingEndpoint      string
	AppKey                  string
	SigningSecret           string
	StaleQueuedThreshold    time.Duration
	StaleQueuedPollInterval time.Duration
}

type RouterConfig struct {
	Consumers      int
	ConfigSyncSecs int
	// StandbyEnabled turns on the Redis primary/standby lease; without it
	// every router instance processes traffic.
	StandbyEnabled bool
	// Pools configures the worker pools deployed at startup and on each
	// configuration sync.
	Pools []PoolConfig
}

type PoolConfig struct {
	Code               string `toml:"code"`
	Concurrency        int    `toml:"concurrency"`
	QueueCapacity      int    `toml:"queue-capacity"`
	RateLimitPerMinute int    `toml:"rate-limit-per-minute"`
}

type LeaderConfig struct {
	Enabled         bool
	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Load builds the configuration: defaults, then the TOML overlay (if any
// file is found), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if err := applyFileOverlay(cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if cfg.Scheduler.Enabled && cfg.Scheduler.AppKey == "" {
		return nil, fmt.Errorf("FC_APP_KEY is required when the scheduler is enabled")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP:  HTTPConfig{Port: 8080},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "flowcatalyst"},
		Queue: QueueConfig{
			Type: QueueEmbedded,
			NATS: NATSConfig{
				URL:        "nats://localhost:4222",
				StreamName: "DISPATCH",
			},
			SQS: SQSConfig{
				Region:            "us-east-1",
				WaitTimeSeconds:   20,
				VisibilityTimeout: 120,
			},
			ActiveMQ: ActiveMQConfig{
				Address:     "localhost:61613",
				Destination: "/queue/dispatch",
			},
			Embedded: EmbeddedConfig{
				DBPath:            "./dispatch-queue.db",
				VisibilityTimeout: 120,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			PollInterval:            5 * time.Second,
			BatchSize:               20,
			MaxConcurrentGroups:     10,
			DefaultDispatchPoolCode: "DISPATCH-POOL",
			ProcessingEndpoint:      "http://localhost:8080/process",
			StaleQueuedThreshold:    15 * time.Minute,
			StaleQueuedPollInterval: 60 * time.Second,
		},
		Router: RouterConfig{
			Consumers:      1,
			ConfigSyncSecs: 300,
		},
		Leader: LeaderConfig{
			Enabled:         false,
			InstanceID:      uuid.NewString(),
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Redis: RedisConfig{Address: "localhost:6379"},
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("FC_HTTP_PORT", cfg.HTTP.Port)
	cfg.Mongo.URI = getEnv("FC_MONGODB_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = getEnv("FC_MONGODB_DATABASE", cfg.Mongo.Database)

	cfg.Queue.Type = QueueType(strings.ToLower(getEnv("FC_QUEUE_TYPE", string(cfg.Queue.Type))))
	cfg.Queue.NATS.URL = getEnv("FC_NATS_URL", cfg.Queue.NATS.URL)
	cfg.Queue.NATS.StreamName = getEnv("FC_NATS_STREAM", cfg.Queue.NATS.StreamName)
	cfg.Queue.NATS.Embedded = getEnvBool("FC_NATS_EMBEDDED", cfg.Queue.NATS.Embedded)
	cfg.Queue.SQS.QueueURL = getEnv("FC_SQS_QUEUE_URL", cfg.Queue.SQS.QueueURL)
	cfg.Queue.SQS.Region = getEnv("FC_SQS_REGION", cfg.Queue.SQS.Region)
	cfg.Queue.SQS.WaitTimeSeconds = getEnvInt("FC_SQS_WAIT_TIME_SECONDS", cfg.Queue.SQS.WaitTimeSeconds)
	cfg.Queue.SQS.VisibilityTimeout = getEnvInt("FC_SQS_VISIBILITY_TIMEOUT", cfg.Queue.SQS.VisibilityTimeout)
	cfg.Queue.SQS.Endpoint = getEnv("FC_SQS_ENDPOINT", cfg.Queue.SQS.Endpoint)
	cfg.Queue.SQS.AccessKeyID = getEnv("FC_SQS_ACCESS_KEY_ID", cfg.Queue.SQS.AccessKeyID)
	cfg.Queue.SQS.SecretAccessKey = getEnv("FC_SQS_SECRET_ACCESS_KEY", cfg.Queue.SQS.SecretAccessKey)
	cfg.Queue.ActiveMQ.Address = getEnv("FC_ACTIVEMQ_ADDRESS", cfg.Queue.ActiveMQ.Address)
	cfg.Queue.ActiveMQ.Destination = getEnv("FC_ACTIVEMQ_DESTINATION", cfg.Queue.ActiveMQ.Destination)
	cfg.Queue.ActiveMQ.Login = getEnv("FC_ACTIVEMQ_LOGIN", cfg.Queue.ActiveMQ.Login)
	cfg.Queue.ActiveMQ.Passcode = getEnv("FC_ACTIVEMQ_PASSCODE", cfg.Queue.ActiveMQ.Passcode)
	cfg.Queue.Embedded.DBPath = getEnv("FC_EMBEDDED_DB_PATH", cfg.Queue.Embedded.DBPath)
	cfg.Queue.Embedded.VisibilityTimeout = getEnvInt("FC_EMBEDDED_VISIBILITY_TIMEOUT", cfg.Queue.Embedded.VisibilityTimeout)

	cfg.Scheduler.Enabled = getEnvBool("FC_SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.PollInterval = getEnvDuration("FC_POLL_INTERVAL", cfg.Scheduler.PollInterval)
	cfg.Scheduler.BatchSize = getEnvInt("FC_BATCH_SIZE", cfg.Scheduler.BatchSize)
	cfg.Scheduler.MaxConcurrentGroups = getEnvInt("FC_MAX_CONCURRENT_GROUPS", cfg.Scheduler.MaxConcurrentGroups)
	cfg.Scheduler.DefaultDispatchPoolCode = getEnv("FC_DEFAULT_DISPATCH_POOL_CODE", cfg.Scheduler.DefaultDispatchPoolCode)
	cfg.Scheduler.ProcessingEndpoint = getEnv("FC_PROCESSING_ENDPOINT", cfg.Scheduler.ProcessingEndpoint)
	cfg.Scheduler.AppKey = getEnv("FC_APP_KEY", cfg.Scheduler.AppKey)
	cfg.Scheduler.SigningSecret = getEnv("FC_SIGNING_SECRET", cfg.Scheduler.SigningSecret)
	cfg.Scheduler.StaleQueuedThreshold = getEnvDuration("FC_STALE_QUEUED_THRESHOLD", cfg.Scheduler.StaleQueuedThreshold)
	cfg.Scheduler.StaleQueuedPollInterval = getEnvDuration("FC_STALE_QUEUED_POLL_INTERVAL", cfg.Scheduler.StaleQueuedPollInterval)

	cfg.Router.Consumers = getEnvInt("FC_ROUTER_CONSUMERS", cfg.Router.Consumers)
	cfg.Router.ConfigSyncSecs = getEnvInt("FC_ROUTER_CONFIG_SYNC_SECONDS", cfg.Router.ConfigSyncSecs)
	cfg.Router.StandbyEnabled = getEnvBool("FC_ROUTER_STANDBY_ENABLED", cfg.Router.StandbyEnabled)

	cfg.Leader.Enabled = getEnvBool("FC_LEADER_ELECTION_ENABLED", cfg.Leader.Enabled)
	cfg.Leader.InstanceID = getEnv("FC_INSTANCE_ID", cfg.Leader.InstanceID)
	cfg.Leader.TTL = getEnvDuration("FC_LEADER_TTL", cfg.Leader.TTL)
	cfg.Leader.RefreshInterval = getEnvDuration("FC_LEADER_REFRESH_INTERVAL", cfg.Leader.RefreshInterval)

	cfg.Redis.Address = getEnv("FC_REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnv("FC_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("FC_REDIS_DB", cfg.Redis.DB)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are read as seconds.
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(n) * time.Second
		}
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
