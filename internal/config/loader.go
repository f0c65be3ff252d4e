package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// configPaths are searched in order for a TOML overlay file. The first file
// found wins; FC_CONFIG_FILE overrides the search entirely.
var configPaths = []string{
	"./flowcatalyst.toml",
	"./config/flowcatalyst.toml",
	"/etc/flowcatalyst/dispatch.toml",
}

// fileConfig mirrors the option table of the TOML overlay. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	HTTP struct {
		Port *int `toml:"port"`
	} `toml:"http"`

	Mongo struct {
		URI      *string `toml:"uri"`
		Database *string `toml:"database"`
	} `toml:"mongodb"`

	Queue struct {
		Type *string `toml:"type"`

		NATS struct {
			URL      *string `toml:"url"`
			Stream   *string `toml:"stream"`
			Embedded *bool   `toml:"embedded"`
		} `toml:"nats"`

		SQS struct {
			QueueURL          *string `toml:"queue-url"`
			Region            *string `toml:"region"`
			WaitTimeSeconds   *int    `toml:"wait-time-seconds"`
			VisibilityTimeout *int    `toml:"visibility-timeout"`
			Endpoint          *string `toml:"endpoint"`
		} `toml:"sqs"`

		ActiveMQ struct {
			Address     *string `toml:"address"`
			Destination *string `toml:"destination"`
			Login       *string `toml:"login"`
			Passcode    *string `toml:"passcode"`
		} `toml:"activemq"`

		Embedded struct {
			DBPath            *string `toml:"db-path"`
			VisibilityTimeout *int    `toml:"visibility-timeout"`
		} `toml:"embedded"`
	} `toml:"queue"`

	Scheduler struct {
		Enabled                 *bool   `toml:"enabled"`
		PollIntervalSeconds     *int    `toml:"poll-interval-seconds"`
		BatchSize               *int    `toml:"batch-size"`
		MaxConcurrentGroups     *int    `toml:"max-concurrent-groups"`
		DefaultDispatchPoolCode *string `toml:"default-dispatch-pool-code"`
		ProcessingEndpoint      *string `toml:"processing-endpoint"`
		StaleQueuedThresholdMin *int    `toml:"stale-queued-threshold-minutes"`
		StaleQueuedPollSeconds  *int    `toml:"stale-queued-poll-interval-seconds"`
	} `toml:"scheduler"`

	Router struct {
		Consumers         *int         `toml:"consumers"`
		ConfigSyncSeconds *int         `toml:"config-sync-seconds"`
		Pools             []PoolConfig `toml:"pools"`
	} `toml:"router"`

	Leader struct {
		Enabled                *bool   `toml:"enabled"`
		InstanceID             *string `toml:"instance-id"`
		TTLSeconds             *int    `toml:"ttl-seconds"`
		RefreshIntervalSeconds *int    `toml:"refresh-interval-seconds"`
	} `toml:"leader"`

	Redis struct {
		Address  *string `toml:"address"`
		Password *string `toml:"password"`
		DB       *int    `toml:"db"`
	} `toml:"redis"`
}

// applyFileOverlay merges the first TOML file found into cfg. Missing files
// are not an error; parse failures are.
func applyFileOverlay(cfg *Config) error {
	path := os.Getenv("FC_CONFIG_FILE")
	if path == "" {
		for _, p := range configPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Info("Loaded configuration overlay", "path", path)

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setSeconds := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}

	setInt(&cfg.HTTP.Port, fc.HTTP.Port)
	setString(&cfg.Mongo.URI, fc.Mongo.URI)
	setString(&cfg.Mongo.Database, fc.Mongo.Database)

	if fc.Queue.Type != nil {
		cfg.Queue.Type = QueueType(*fc.Queue.Type)
	}
	setString(&cfg.Queue.NATS.URL, fc.Queue.NATS.URL)
	setString(&cfg.Queue.NATS.StreamName, fc.Queue.NATS.Stream)
	setBool(&cfg.Queue.NATS.Embedded, fc.Queue.NATS.Embedded)
	setString(&cfg.Queue.SQS.QueueURL, fc.Queue.SQS.QueueURL)
	setString(&cfg.Queue.SQS.Region, fc.Queue.SQS.Region)
	setInt(&cfg.Queue.SQS.WaitTimeSeconds, fc.Queue.SQS.WaitTimeSeconds)
	setInt(&cfg.Queue.SQS.VisibilityTimeout, fc.Queue.SQS.VisibilityTimeout)
	setString(&cfg.Queue.SQS.Endpoint, fc.Queue.SQS.Endpoint)
	setString(&cfg.Queue.ActiveMQ.Address, fc.Queue.ActiveMQ.Address)
	setString(&cfg.Queue.ActiveMQ.Destination, fc.Queue.ActiveMQ.Destination)
	setString(&cfg.Queue.ActiveMQ.Login, fc.Queue.ActiveMQ.Login)
	setString(&cfg.Queue.ActiveMQ.Passcode, fc.Queue.ActiveMQ.Passcode)
	setString(&cfg.Queue.Embedded.DBPath, fc.Queue.Embedded.DBPath)
	setInt(&cfg.Queue.Embedded.VisibilityTimeout, fc.Queue.Embedded.VisibilityTimeout)

	setBool(&cfg.Scheduler.Enabled, fc.Scheduler.Enabled)
	setSeconds(&cfg.Scheduler.PollInterval, fc.Scheduler.PollIntervalSeconds)
	setInt(&cfg.Scheduler.BatchSize, fc.Scheduler.BatchSize)
	setInt(&cfg.Scheduler.MaxConcurrentGroups, fc.Scheduler.MaxConcurrentGroups)
	setString(&cfg.Scheduler.DefaultDispatchPoolCode, fc.Scheduler.DefaultDispatchPoolCode)
	setString(&cfg.Scheduler.ProcessingEndpoint, fc.Scheduler.ProcessingEndpoint)
	if fc.Scheduler.StaleQueuedThresholdMin != nil {
		cfg.Scheduler.StaleQueuedThreshold = time.Duration(*fc.Scheduler.StaleQueuedThresholdMin) * time.Minute
	}
	setSeconds(&cfg.Scheduler.StaleQueuedPollInterval, fc.Scheduler.StaleQueuedPollSeconds)

	setInt(&cfg.Router.Consumers, fc.Router.Consumers)
	setInt(&cfg.Router.ConfigSyncSecs, fc.Router.ConfigSyncSeconds)
	if len(fc.Router.Pools) > 0 {
		cfg.Router.Pools = fc.Router.Pools
	}

	setBool(&cfg.Leader.Enabled, fc.Leader.Enabled)
	setString(&cfg.Leader.InstanceID, fc.Leader.InstanceID)
	setSeconds(&cfg.Leader.TTL, fc.Leader.TTLSeconds)
	setSeconds(&cfg.Leader.RefreshInterval, fc.Leader.RefreshIntervalSeconds)

	setString(&cfg.Redis.Address, fc.Redis.Address)
	setString(&cfg.Redis.Password, fc.Redis.Password)
	setInt(&cfg.Redis.DB, fc.Redis.DB)

	return nil
}
