// Package config provides configuration loading for the stepflow server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Queue drivers.
const (
	DriverMemory = "memory"
	DriverKafka  = "kafka"
	DriverRedis  = "redis"
)

const (
	DefaultPort         = 3000
	DefaultDatabaseURL  = "file://./data"
	DefaultStepTimeout  = 30 * time.Second
	DefaultStoreTimeout = 5 * time.Second
	DefaultSchedule     = "@every 1m"
	DefaultStaleAfter   = time.Hour
	DefaultServiceName  = "stepflow"
)

var (
	drivers    = []string{DriverMemory, DriverKafka, DriverRedis}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{log.FormatText, log.FormatJSON, log.FormatTint}

	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Port         int           `yaml:"port"`
	DatabaseURL  string        `yaml:"database_url"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	APITokens    []string      `yaml:"api_tokens"`
	OTelEnabled  bool          `yaml:"otel_enabled"`
	ServiceName  string        `yaml:"service_name"`

	Queue  QueueConfig  `yaml:"queue"`
	Log    LogConfig    `yaml:"log"`
	Repair RepairConfig `yaml:"repair"`
}

type QueueConfig struct {
	Driver       string        `yaml:"driver"`
	Topic        string        `yaml:"topic"`
	Workers      int           `yaml:"workers"`
	Attempts     int           `yaml:"attempts"`
	Backoff      time.Duration `yaml:"backoff"`
	RedisURL     string        `yaml:"redis_url"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RepairConfig struct {
	Schedule string `yaml:"schedule"`
	// StaleAfter of zero disables the repair job.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		DatabaseURL:  DefaultDatabaseURL,
		StepTimeout:  DefaultStepTimeout,
		StoreTimeout: DefaultStoreTimeout,
		ServiceName:  DefaultServiceName,
		Queue: QueueConfig{
			Driver:   DriverMemory,
			Topic:    queue.DefaultTopic,
			Workers:  queue.DefaultWorkers,
			Attempts: queue.DefaultAttempts,
			Backoff:  queue.DefaultBackoff,
		},
		Log: LogConfig{
			Level:  "info",
			Format: log.FormatText,
		},
		Repair: RepairConfig{
			Schedule:   DefaultSchedule,
			StaleAfter: DefaultStaleAfter,
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	err := decoder.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return cfg, nil
}

// QueueSettings returns the delivery policy shared by all queue drivers.
func (c Config) QueueSettings() queue.Config {
	return queue.Config{
		Topic:    c.Queue.Topic,
		Attempts: c.Queue.Attempts,
		Backoff:  c.Queue.Backoff,
		Workers:  c.Queue.Workers,
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Port > 0 && c.Port <= 65535, "port must be between 1 and 65535, got %d", c.Port)
	check(c.DatabaseURL != "", "database url is required")
	check(c.StepTimeout > 0, "step timeout must be positive, got %s", c.StepTimeout)
	check(c.StoreTimeout > 0, "store timeout must be positive, got %s", c.StoreTimeout)

	check(slices.Contains(drivers, c.Queue.Driver), "unknown queue driver '%s'", c.Queue.Driver)
	check(c.Queue.Workers >= 1, "workers must be at least 1, got %d", c.Queue.Workers)
	check(c.Queue.Attempts >= 1, "attempts must be at least 1, got %d", c.Queue.Attempts)
	check(c.Queue.Backoff >= 0, "backoff must not be negative, got %s", c.Queue.Backoff)

	switch c.Queue.Driver {
	case DriverRedis:
		check(c.Queue.RedisURL != "", "redis url is required for the redis driver")
	case DriverKafka:
		check(len(c.Queue.KafkaBrokers) > 0 && c.Queue.KafkaBrokers[0] != "", "kafka brokers are required for the kafka driver")
		check(c.Queue.Workers <= queue.Shards, "workers must be at most %d for the kafka driver, got %d", queue.Shards, c.Queue.Workers)
	case DriverMemory:
		check(c.Queue.Workers <= queue.Shards, "workers must be at most %d for the memory driver, got %d", queue.Shards, c.Queue.Workers)
	}

	check(slices.Contains(logLevels, c.Log.Level), "unknown log level '%s'", c.Log.Level)
	check(slices.Contains(logFormats, c.Log.Format), "unknown log format '%s'", c.Log.Format)

	check(c.Repair.StaleAfter >= 0, "stale-after must not be negative, got %s", c.Repair.StaleAfter)

	if c.Repair.StaleAfter > 0 {
		_, err := cron.ParseStandard(c.Repair.Schedule)
		check(err == nil, "invalid repair schedule '%s': %v", c.Repair.Schedule, err)
	}

	return errors.Join(errs...)
}
