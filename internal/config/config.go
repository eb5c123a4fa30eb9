// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the daemon configuration: a YAML file with
// environment-variable overrides, loaded once at process start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends with wired database/sql drivers.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the root daemon configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Triggers      TriggersConfig      `yaml:"triggers,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Log           LogConfig           `yaml:"log,omitempty"`
}

// StorageConfig selects the database backend and its pool settings.
type StorageConfig struct {
	// Backend is the dialect name: sqlite or postgres.
	Backend string `yaml:"backend,omitempty"`

	// DatabaseURL is the connection string. For sqlite this is a file
	// path (or :memory:). Never log it raw; use MaskedDatabaseURL.
	DatabaseURL string `yaml:"database_url,omitempty"`

	// MigrateOnStart applies pending schema migrations during startup.
	MigrateOnStart bool `yaml:"migrate_on_start"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time,omitempty"`
}

// SchedulerConfig controls the submission queue and worker pool.
type SchedulerConfig struct {
	// Workers is the number of concurrent executions. Partition leases
	// keep concurrent workers off the same partition.
	Workers int `yaml:"workers,omitempty"`

	// QueueCapacity bounds the in-memory submission queue.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`

	// DedupeWindow is how long (schedule_id, fire_time) pairs are
	// remembered for idempotent submission.
	DedupeWindow time.Duration `yaml:"dedupe_window,omitempty"`

	// MaxAttempts bounds execution attempts: a retryable failure is
	// requeued until this many attempts have run, then dead-lettered.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// TriggersConfig wires external submission sources.
type TriggersConfig struct {
	File  FileTriggerConfig  `yaml:"file,omitempty"`
	Kafka KafkaTriggerConfig `yaml:"kafka,omitempty"`
}

// FileTriggerConfig watches a spool directory for payload drops.
type FileTriggerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the spool directory to watch.
	Dir string `yaml:"dir,omitempty"`

	// Patterns are doublestar globs relative to Dir; a file must match
	// one to fire a submission.
	Patterns []string `yaml:"patterns,omitempty"`

	// Pipeline receives the submission with the file path as a param.
	Pipeline string `yaml:"pipeline,omitempty"`

	// RatePerSecond and Burst bound trigger storms from bulk copies.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
}

// KafkaTriggerConfig consumes submissions from a Kafka topic.
type KafkaTriggerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
	GroupID string   `yaml:"group_id,omitempty"`

	MinBytes int `yaml:"min_bytes,omitempty"`
	MaxBytes int `yaml:"max_bytes,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// MetricsEnabled controls Prometheus collector registration.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsAddr is the listen address for the /metrics and /healthz
	// endpoints when metrics are enabled.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// TracingConfig controls the OpenTelemetry provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// ServiceName labels exported spans. Default: spined.
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRatio in [0,1]; 1 records everything.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// StdoutExporter prints spans to stderr for development.
	StdoutExporter bool `yaml:"stdout_exporter"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level sets the minimum level: trace, debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with sensible defaults: SQLite in the
// working directory, four workers, triggers disabled.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:         BackendSQLite,
			DatabaseURL:     "spine.db",
			MigrateOnStart:  true,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Workers:       4,
			QueueCapacity: 256,
			DedupeWindow:  time.Hour,
			MaxAttempts:   3,
			DrainTimeout:  30 * time.Second,
		},
		Triggers: TriggersConfig{
			File: FileTriggerConfig{
				Patterns:      []string{"**/*.csv", "**/*.json"},
				RatePerSecond: 5,
				Burst:         10,
			},
			Kafka: KafkaTriggerConfig{
				MinBytes: 1,
				MaxBytes: 10 << 20,
			},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				ServiceName: "spined",
				SampleRatio: 1.0,
			},
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (when non-empty), then applies
// environment overrides. A missing file with an empty path is not an
// error; a missing file with an explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers SPINE_* environment overrides on top of file values.
func (c *Config) applyEnv() {
	c.Storage.Backend = GetEnvStr("SPINE_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DatabaseURL = GetEnvStr("SPINE_DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.MigrateOnStart = GetEnvBool("SPINE_MIGRATE_ON_START", c.Storage.MigrateOnStart)
	c.Storage.MaxOpenConns = GetEnvInt("SPINE_DB_MAX_OPEN_CONNS", c.Storage.MaxOpenConns)
	c.Storage.MaxIdleConns = GetEnvInt("SPINE_DB_MAX_IDLE_CONNS", c.Storage.MaxIdleConns)
	c.Storage.ConnMaxLifetime = GetEnvDuration("SPINE_DB_CONN_MAX_LIFETIME", c.Storage.ConnMaxLifetime)
	c.Storage.ConnMaxIdleTime = GetEnvDuration("SPINE_DB_CONN_MAX_IDLE_TIME", c.Storage.ConnMaxIdleTime)

	c.Scheduler.Workers = GetEnvInt("SPINE_SCHEDULER_WORKERS", c.Scheduler.Workers)
	c.Scheduler.QueueCapacity = GetEnvInt("SPINE_SCHEDULER_QUEUE_CAPACITY", c.Scheduler.QueueCapacity)
	c.Scheduler.DedupeWindow = GetEnvDuration("SPINE_SCHEDULER_DEDUPE_WINDOW", c.Scheduler.DedupeWindow)
	c.Scheduler.MaxAttempts = GetEnvInt("SPINE_SCHEDULER_MAX_ATTEMPTS", c.Scheduler.MaxAttempts)
	c.Scheduler.DrainTimeout = GetEnvDuration("SPINE_DRAIN_TIMEOUT", c.Scheduler.DrainTimeout)

	if v := os.Getenv("SPINE_TRIGGER_FILE_DIR"); v != "" {
		c.Triggers.File.Enabled = true
		c.Triggers.File.Dir = v
	}
	if v := os.Getenv("SPINE_TRIGGER_KAFKA_BROKERS"); v != "" {
		c.Triggers.Kafka.Enabled = true
		c.Triggers.Kafka.Brokers = ParseCommaSeparatedList(v)
	}
	c.Triggers.Kafka.Topic = GetEnvStr("SPINE_TRIGGER_KAFKA_TOPIC", c.Triggers.Kafka.Topic)
	c.Triggers.Kafka.GroupID = GetEnvStr("SPINE_TRIGGER_KAFKA_GROUP", c.Triggers.Kafka.GroupID)

	c.Observability.MetricsEnabled = GetEnvBool("SPINE_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.MetricsAddr = GetEnvStr("SPINE_METRICS_ADDR", c.Observability.MetricsAddr)

	c.Log.Level = GetEnvStr("SPINE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnvStr("LOG_FORMAT", c.Log.Format)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendPostgres:
	case "":
		return fmt.Errorf("storage.backend is required")
	default:
		return fmt.Errorf("unsupported storage backend %q (sqlite and postgres have wired drivers)", c.Storage.Backend)
	}

	if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
		return fmt.Errorf("storage.database_url is required")
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueCapacity < 1 {
		return fmt.Errorf("scheduler.queue_capacity must be at least 1, got %d", c.Scheduler.QueueCapacity)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1, got %d", c.Scheduler.MaxAttempts)
	}

	if c.Triggers.File.Enabled && c.Triggers.File.Dir == "" {
		return fmt.Errorf("triggers.file.dir is required when the file trigger is enabled")
	}
	if c.Triggers.File.Enabled && c.Triggers.File.Pipeline == "" {
		return fmt.Errorf("triggers.file.pipeline is required when the file trigger is enabled")
	}
	if c.Triggers.Kafka.Enabled {
		if len(c.Triggers.Kafka.Brokers) == 0 {
			return fmt.Errorf("triggers.kafka.brokers is required when the kafka trigger is enabled")
		}
		if c.Triggers.Kafka.Topic == "" {
			return fmt.Errorf("triggers.kafka.topic is required when the kafka trigger is enabled")
		}
	}

	if r := c.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.tracing.sample_ratio must be in [0,1], got %v", r)
	}

	return nil
}

// MaskedDatabaseURL returns the connection string with any password
// replaced, safe for logging.
func (c *StorageConfig) MaskedDatabaseURL() string {
	return MaskDatabaseURL(c.DatabaseURL)
}

// MaskDatabaseURL masks the password inside a URL-shaped connection
// string. Strings without userinfo pass through unchanged.
func MaskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return url
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return url
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return url
	}

	scheme := url[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
