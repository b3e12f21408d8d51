package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/stepflow/pkg/channels/gochannel"
	"github.com/dukex/stepflow/pkg/channels/kafka"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/dukex/stepflow/pkg/queue/redisqueue"
)

var ErrUnsupportedQueueDriver = errors.New("unsupported queue driver")

// NewQueue builds the job queue for the configured driver.
func NewQueue(ctx context.Context, logger *slog.Logger, cfg config.Config) (queue.Queue, error) {
	settings := cfg.QueueSettings()
	wmLogger := watermill.NewSlogLogger(logger)

	logger.InfoContext(ctx, "Using queue driver",
		"driver", cfg.Queue.Driver,
		"workers", settings.Workers,
		"attempts", settings.Attempts,
		"backoff", settings.Backoff,
	)

	switch cfg.Queue.Driver {
	case config.DriverMemory, "":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return queue.NewWatermillQueue(pub, sub, settings, logger), nil
	case config.DriverKafka:
		pub, sub, err := kafka.CreateChannel(wmLogger, cfg.Queue.KafkaBrokers, cfg.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return queue.NewWatermillQueue(pub, sub, settings, logger), nil
	case config.DriverRedis:
		return redisqueue.NewFromURL(ctx, cfg.Queue.RedisURL, settings, "", logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQueueDriver, cfg.Queue.Driver)
	}
}
