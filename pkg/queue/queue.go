// Package queue provides the durable job queue that hands workflow executions to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

const (
	DefaultTopic    = "stepflow.executions"
	DefaultAttempts = 3
	DefaultBackoff  = 5 * time.Second
	DefaultWorkers  = 4

	// Shards is the number of shard topics the watermill drivers publish to and
	// subscribe to. It does not depend on Workers, so changing the worker count
	// never leaves published jobs on a topic nobody consumes.
	Shards = 32
)

var (
	// ErrClosed is returned when enqueueing into a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrInvalidJob is returned for jobs that can never be processed.
	ErrInvalidJob = errors.New("invalid job")
)

// Job is the unit of work: one execution of one workflow.
type Job struct {
	ExecutionID string                     `json:"executionId"`
	Workflow    *models.WorkflowDefinition `json:"workflow"`
	EnqueuedAt  time.Time                  `json:"enqueuedAt"`
}

// Validate rejects jobs without an execution or steps.
func (j Job) Validate() error {
	if j.ExecutionID == "" {
		return fmt.Errorf("%w: missing execution id", ErrInvalidJob)
	}

	if j.Workflow == nil || len(j.Workflow.Steps) == 0 {
		return fmt.Errorf("%w: workflow without steps", ErrInvalidJob)
	}

	return nil
}

// Encode serializes a job for transport.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses and validates a transported job.
func DecodeJob(payload []byte) (Job, error) {
	var job Job

	err := json.Unmarshal(payload, &job)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	err = job.Validate()
	if err != nil {
		return Job{}, err
	}

	return job, nil
}

type outcomeKind int

const (
	outcomeAck outcomeKind = iota
	outcomeRetry
	outcomeReject
)

// Outcome is the handler's verdict on a delivery.
type Outcome struct {
	kind outcomeKind
	err  error
}

// Ack settles the delivery successfully.
func Ack() Outcome {
	return Outcome{kind: outcomeAck}
}

// Retry asks for redelivery after the configured backoff.
func Retry(err error) Outcome {
	return Outcome{kind: outcomeRetry, err: err}
}

// Reject settles the delivery without retrying; the failure is already recorded.
func Reject(err error) Outcome {
	return Outcome{kind: outcomeReject, err: err}
}

func (o Outcome) IsAck() bool    { return o.kind == outcomeAck }
func (o Outcome) IsRetry() bool  { return o.kind == outcomeRetry }
func (o Outcome) IsReject() bool { return o.kind == outcomeReject }
func (o Outcome) Err() error     { return o.err }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeRetry:
		return "retry"
	case outcomeReject:
		return "reject"
	default:
		return "ack"
	}
}

// Handler processes jobs delivered by a queue.
type Handler interface {
	Handle(ctx context.Context, job Job) Outcome
	// Exhausted is called once when a job used up its attempts, with the last error.
	Exhausted(ctx context.Context, job Job, err error)
}

// Queue delivers jobs at least once to a bounded pool of workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, dispatching jobs to handler until ctx is done or the queue is closed.
	Consume(ctx context.Context, handler Handler) error
	// Running is closed once the consumers are subscribed.
	Running() <-chan struct{}
	Close() error
}

// Config holds the delivery policy shared by all drivers.
type Config struct {
	Topic    string
	Attempts int
	Backoff  time.Duration
	Workers  int
}

// DefaultConfig returns the default delivery policy.
func DefaultConfig() Config {
	return Config{
		Topic:    DefaultTopic,
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
		Workers:  DefaultWorkers,
	}
}

// WithDefaults fills zero fields with defaults.
func (c Config) WithDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}

	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}

	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	return c
}

// Shard maps an execution to one of n worker shards.
func Shard(executionID string, n int) int {
	if n <= 1 {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))

	return int(h.Sum32() % uint32(n))
}

// ShardTopic names the topic of a shard.
func ShardTopic(topic string, shard int) string {
	return fmt.Sprintf("%s.%d", topic, shard)
}
