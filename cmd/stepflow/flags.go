package main

import (
	"time"

	"github.com/dukex/stepflow/pkg/config"
	cli "github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML configuration file; flags and environment override it",
		Sources: cli.EnvVars("STEPFLOW_CONFIG"),
	}
}

func databaseFlags(defaults config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database URL (file://, postgres://, mysql://, sqlite3://)",
			Value:   defaults.DatabaseURL,
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   defaults.Log.Level,
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json, tint)",
			Value:   defaults.Log.Format,
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func serveFlags(defaults config.Config) []cli.Flag {
	flags := []cli.Flag{
		configFlag(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaults.Port,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "queue-driver",
			Usage:   "Job queue driver (memory, kafka, redis)",
			Value:   defaults.Queue.Driver,
			Sources: cli.EnvVars("QUEUE_DRIVER"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the redis queue driver",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the kafka queue driver",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Number of concurrent workers",
			Value:   defaults.Queue.Workers,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.IntFlag{
			Name:    "job-attempts",
			Usage:   "Deliveries of a job before it is failed",
			Value:   defaults.Queue.Attempts,
			Sources: cli.EnvVars("JOB_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "job-backoff",
			Usage:   "Delay between deliveries of a job",
			Value:   defaults.Queue.Backoff,
			Sources: cli.EnvVars("JOB_BACKOFF"),
		},
		&cli.DurationFlag{
			Name:    "step-timeout",
			Usage:   "Timeout of a single step call",
			Value:   defaults.StepTimeout,
			Sources: cli.EnvVars("STEP_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "store-timeout",
			Usage:   "Timeout of a single store operation",
			Value:   defaults.StoreTimeout,
			Sources: cli.EnvVars("STORE_TIMEOUT"),
		},
		&cli.StringSliceFlag{
			Name:    "api-tokens",
			Usage:   "Bearer tokens accepted by the API; empty disables authentication",
			Sources: cli.EnvVars("API_TOKENS"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "repair-schedule",
			Usage:   "Cron schedule of the stale execution repair job",
			Value:   defaults.Repair.Schedule,
			Sources: cli.EnvVars("REPAIR_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "stale-after",
			Usage:   "Age after which queued or running executions are failed; 0 disables repair",
			Value:   defaults.Repair.StaleAfter,
			Sources: cli.EnvVars("STALE_AFTER"),
		},
	}

	return append(flags, databaseFlags(defaults)...)
}

// loadConfig reads the optional config file, then applies flags and environment
// variables that were set explicitly.
func loadConfig(command *cli.Command) (config.Config, error) {
	cfg := config.Default()

	if path := command.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}

		cfg = loaded
	}

	setString := func(name string, target *string) {
		if command.IsSet(name) {
			*target = command.String(name)
		}
	}

	setInt := func(name string, target *int) {
		if command.IsSet(name) {
			*target = command.Int(name)
		}
	}

	setDuration := func(name string, target *time.Duration) {
		if command.IsSet(name) {
			*target = command.Duration(name)
		}
	}

	setStrings := func(name string, target *[]string) {
		if command.IsSet(name) {
			*target = command.StringSlice(name)
		}
	}

	setString("database-url", &cfg.DatabaseURL)
	setString("log-level", &cfg.Log.Level)
	setString("log-format", &cfg.Log.Format)
	setInt("port", &cfg.Port)
	setString("queue-driver", &cfg.Queue.Driver)
	setString("redis-url", &cfg.Queue.RedisURL)
	setStrings("kafka-brokers", &cfg.Queue.KafkaBrokers)
	setInt("workers", &cfg.Queue.Workers)
	setInt("job-attempts", &cfg.Queue.Attempts)
	setDuration("job-backoff", &cfg.Queue.Backoff)
	setDuration("step-timeout", &cfg.StepTimeout)
	setDuration("store-timeout", &cfg.StoreTimeout)
	setStrings("api-tokens", &cfg.APITokens)
	setString("repair-schedule", &cfg.Repair.Schedule)
	setDuration("stale-after", &cfg.Repair.StaleAfter)

	if command.IsSet("otel-enabled") {
		cfg.OTelEnabled = command.Bool("otel-enabled")
	}

	return cfg, cfg.Validate()
}
