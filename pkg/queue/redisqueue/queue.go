// Package redisqueue provides a reliable Redis list queue driver.
//
// Jobs are pushed onto a pending list. Each worker atomically moves a job into
// its own processing list, and removes it once the job is settled. Jobs left in
// processing lists by a crashed process are pushed back on startup.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/stepflow/pkg/queue"
	redis "github.com/redis/go-redis/v9"
)

const (
	pollTimeout   = time.Second
	settleTimeout = 5 * time.Second
)

// Queue implements queue.Queue on Redis lists.
type Queue struct {
	client   redis.UniversalClient
	config   queue.Config
	consumer string
	logger   *slog.Logger

	running     chan struct{}
	runningOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New creates a queue over an existing client. consumer names this process's
// processing lists and should be stable across restarts; it defaults to the hostname.
func New(client redis.UniversalClient, config queue.Config, consumer string, logger *slog.Logger) *Queue {
	if consumer == "" {
		consumer, _ = os.Hostname()
	}

	if consumer == "" {
		consumer = "stepflow"
	}

	return &Queue{
		client:   client,
		config:   config.WithDefaults(),
		consumer: consumer,
		logger:   logger.With("module", "queue", "driver", "redis", "consumer", consumer),
		running:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// NewFromURL connects to the Redis server at redisURL.
func NewFromURL(ctx context.Context, redisURL string, config queue.Config, consumer string, logger *slog.Logger) (*Queue, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return New(client, config, consumer, logger), nil
}

func (q *Queue) pendingKey() string {
	return q.config.Topic + ":pending"
}

func (q *Queue) processingKey(worker int) string {
	return q.config.Topic + ":processing:" + q.consumer + ":" + strconv.Itoa(worker)
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	select {
	case <-q.closed:
		return queue.ErrClosed
	default:
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	err = q.client.LPush(ctx, q.pendingKey(), payload).Err()
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", job.ExecutionID, err)
	}

	return nil
}

func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	for worker := range q.config.Workers {
		err := q.requeue(ctx, worker)
		if err != nil {
			return err
		}
	}

	for worker := range q.config.Workers {
		q.wg.Add(1)

		go q.work(ctx, worker, handler)
	}

	q.runningOnce.Do(func() { close(q.running) })
	q.logger.InfoContext(ctx, "Queue consumers running", "workers", q.config.Workers, "list", q.pendingKey())

	q.wg.Wait()

	return nil
}

func (q *Queue) Running() <-chan struct{} {
	return q.running
}

// Close stops polling, waits for in-flight jobs and closes the client.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.wg.Wait()

	return q.client.Close()
}

// requeue moves jobs abandoned in a processing list back to the consuming end of the pending list.
func (q *Queue) requeue(ctx context.Context, worker int) error {
	moved := 0

	for {
		err := q.client.LMove(ctx, q.processingKey(worker), q.pendingKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to requeue abandoned jobs: %w", err)
		}

		moved++
	}

	if moved > 0 {
		q.logger.WarnContext(ctx, "Requeued abandoned jobs", "worker", worker, "count", moved)
	}

	return nil
}

func (q *Queue) work(ctx context.Context, worker int, handler queue.Handler) {
	defer q.wg.Done()

	processing := q.processingKey(worker)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		default:
		}

		payload, err := q.client.BLMove(ctx, q.pendingKey(), processing, "RIGHT", "LEFT", pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}

			q.logger.ErrorContext(ctx, "Error receiving job", "worker", worker, "error", err)

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			case <-q.closed:
			}

			continue
		}

		q.process(ctx, processing, payload, handler)
	}
}

func (q *Queue) process(ctx context.Context, processing, payload string, handler queue.Handler) {
	job, err := queue.DecodeJob([]byte(payload))
	if err != nil {
		q.logger.ErrorContext(ctx, "Dropping undecodable job", "error", err)
		q.settle(ctx, processing, payload)

		return
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.config.Backoff), uint64(q.config.Attempts-1)),
		ctx,
	)

	err = backoff.Retry(func() error {
		outcome := handler.Handle(ctx, job)

		switch {
		case outcome.IsRetry():
			return outcome.Err()
		case outcome.IsReject():
			q.logger.WarnContext(ctx, "Job rejected", "execution_id", job.ExecutionID, "error", outcome.Err())
		}

		return nil
	}, policy)

	if err != nil {
		if ctx.Err() != nil {
			q.logger.WarnContext(ctx, "Job interrupted by shutdown; left for requeue", "execution_id", job.ExecutionID)

			return
		}

		q.logger.ErrorContext(ctx, "Job exhausted its attempts", "execution_id", job.ExecutionID, "attempts", q.config.Attempts, "error", err)
		handler.Exhausted(ctx, job, err)
	}

	q.settle(ctx, processing, payload)
}

func (q *Queue) settle(ctx context.Context, processing, payload string) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := q.client.LRem(settleCtx, processing, 1, payload).Err()
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to settle job", "error", err)
	}
}
