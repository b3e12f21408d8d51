package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

const (
	executionIDMetadataKey = "execution_id"
	routerCloseTimeout     = time.Minute
)

// WatermillQueue runs jobs over any watermill publisher/subscriber pair.
// Jobs are sharded over Shards topics, each served by one handler, and at most
// Workers jobs run at the same time.
type WatermillQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	config     Config
	logger     *slog.Logger
	wmLogger   watermill.LoggerAdapter
	slots      chan struct{}

	mu      sync.Mutex
	router  *message.Router
	closed  bool
	running chan struct{}
	once    sync.Once
}

// NewWatermillQueue creates a queue over pub and sub.
func NewWatermillQueue(pub message.Publisher, sub message.Subscriber, config Config, logger *slog.Logger) *WatermillQueue {
	config = config.WithDefaults()

	return &WatermillQueue{
		publisher:  pub,
		subscriber: sub,
		config:     config,
		slots:      make(chan struct{}, config.Workers),
		logger:     logger.With("module", "queue", "driver", "watermill"),
		wmLogger:   watermill.NewSlogLogger(logger),
		running:    make(chan struct{}),
	}
}

func (q *WatermillQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(executionIDMetadataKey, job.ExecutionID)
	msg.SetContext(ctx)

	topic := ShardTopic(q.config.Topic, Shard(job.ExecutionID, Shards))

	err = q.publisher.Publish(topic, msg)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ExecutionID, err)
	}

	q.logger.DebugContext(ctx, "Job enqueued", "execution_id", job.ExecutionID, "topic", topic)

	return nil
}

func (q *WatermillQueue) Consume(ctx context.Context, handler Handler) error {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: routerCloseTimeout}, q.wmLogger)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	for shard := range Shards {
		topic := ShardTopic(q.config.Topic, shard)
		router.AddNoPublisherHandler("stepflow-worker-"+topic, topic, q.subscriber, q.deliver(handler))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return ErrClosed
	}

	q.router = router
	q.mu.Unlock()

	go func() {
		select {
		case <-router.Running():
			q.once.Do(func() { close(q.running) })
			q.logger.InfoContext(ctx, "Queue consumers running", "workers", q.config.Workers, "topic", q.config.Topic)
		case <-ctx.Done():
		}
	}()

	return router.Run(ctx)
}

func (q *WatermillQueue) Running() <-chan struct{} {
	return q.running
}

// Close stops the consumers, waiting for in-flight jobs, and closes the transport.
func (q *WatermillQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	router := q.router
	q.mu.Unlock()

	if router != nil {
		err := router.Close()
		if err != nil {
			return fmt.Errorf("failed to close router: %w", err)
		}
	}

	err := q.publisher.Close()
	if err != nil {
		return err
	}

	return q.subscriber.Close()
}

// deliver turns a Handler into a router handler. Retries happen in-process with a
// constant backoff; once attempts are spent the handler is told and the message acked.
func (q *WatermillQueue) deliver(handler Handler) message.NoPublishHandlerFunc {
	retry := middleware.Retry{
		MaxRetries:          q.config.Attempts - 1,
		InitialInterval:     q.config.Backoff,
		MaxInterval:         q.config.Backoff,
		Multiplier:          1,
		RandomizationFactor: 0,
		Logger:              q.wmLogger,
	}

	return func(msg *message.Message) error {
		ctx := msg.Context()

		job, err := DecodeJob(msg.Payload)
		if err != nil {
			q.logger.ErrorContext(ctx, "Dropping undecodable job", "message_uuid", msg.UUID, "error", err)

			return nil
		}

		attempt := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
			outcome, err := q.handle(msg.Context(), handler, job)
			if err != nil {
				return nil, err
			}

			switch {
			case outcome.IsRetry():
				return nil, outcome.Err()
			case outcome.IsReject():
				q.logger.WarnContext(ctx, "Job rejected", "execution_id", job.ExecutionID, "error", outcome.Err())
			}

			return nil, nil
		})

		if q.config.Attempts > 1 {
			attempt = retry.Middleware(attempt)
		}

		_, err = attempt(msg)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			q.logger.WarnContext(ctx, "Job interrupted by shutdown", "execution_id", job.ExecutionID, "error", err)

			return err
		}

		q.logger.ErrorContext(ctx, "Job exhausted its attempts", "execution_id", job.ExecutionID, "attempts", q.config.Attempts, "error", err)
		handler.Exhausted(ctx, job, err)

		return nil
	}
}

// handle runs one attempt once a worker slot is free.
func (q *WatermillQueue) handle(ctx context.Context, handler Handler, job Job) (Outcome, error) {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	defer func() { <-q.slots }()

	return handler.Handle(ctx, job), nil
}
