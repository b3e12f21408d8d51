package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/stepflow/pkg/channels/gochannel"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// recordingHandler answers each delivery with the next scripted outcome, then Ack.
type recordingHandler struct {
	mu        sync.Mutex
	script    map[string][]queue.Outcome
	handled   map[string]int
	exhausted map[string]error
	done      chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		script:    make(map[string][]queue.Outcome),
		handled:   make(map[string]int),
		exhausted: make(map[string]error),
		done:      make(chan string, 100),
	}
}

func (h *recordingHandler) Handle(_ context.Context, job queue.Job) queue.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handled[job.ExecutionID]++

	outcome := queue.Ack()
	if script := h.script[job.ExecutionID]; len(script) > 0 {
		outcome = script[0]
		h.script[job.ExecutionID] = script[1:]
	}

	if !outcome.IsRetry() {
		h.done <- job.ExecutionID
	}

	return outcome
}

func (h *recordingHandler) Exhausted(_ context.Context, job queue.Job, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.exhausted[job.ExecutionID] = err
	h.done <- job.ExecutionID
}

func (h *recordingHandler) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.handled[id]
}

func (h *recordingHandler) exhaustedErr(id string) (error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	err, ok := h.exhausted[id]

	return err, ok
}

func (h *recordingHandler) waitFor(t *testing.T, ids ...string) {
	t.Helper()

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	timeout := time.After(5 * time.Second)

	for len(pending) > 0 {
		select {
		case id := <-h.done:
			delete(pending, id)
		case <-timeout:
			t.Fatalf("timed out waiting for jobs %v", pending)
		}
	}
}

func testJob(id string) queue.Job {
	return queue.Job{
		ExecutionID: id,
		Workflow: &models.WorkflowDefinition{
			ID:    "wf-" + id,
			Name:  "test",
			Steps: []models.StepSpec{{StepID: "step-1", URL: "https://example.com", Method: "GET"}},
		},
	}
}

func startQueue(t *testing.T, handler queue.Handler, config queue.Config) (*queue.WatermillQueue, message.Publisher) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	pub, sub := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))

	q := queue.NewWatermillQueue(pub, sub, config, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = q.Consume(ctx, handler)
	}()

	select {
	case <-q.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not start")
	}

	t.Cleanup(func() {
		require.NoError(t, q.Close())
		cancel()
	})

	return q, pub
}

func fastConfig() queue.Config {
	return queue.Config{Topic: "test.executions", Attempts: 3, Backoff: 10 * time.Millisecond, Workers: 2}
}

func TestWatermillQueue_DeliversOnce(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	q, _ := startQueue(t, handler, fastConfig())

	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-1")))

	handler.waitFor(t, "exec-1")
	assert.Equal(t, 1, handler.count("exec-1"))

	_, exhausted := handler.exhaustedErr("exec-1")
	assert.False(t, exhausted)
}

func TestWatermillQueue_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	handler.script["exec-1"] = []queue.Outcome{queue.Retry(errStoreDown), queue.Retry(errStoreDown), queue.Ack()}

	q, _ := startQueue(t, handler, fastConfig())
	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-1")))

	handler.waitFor(t, "exec-1")
	assert.Equal(t, 3, handler.count("exec-1"))

	_, exhausted := handler.exhaustedErr("exec-1")
	assert.False(t, exhausted)
}

func TestWatermillQueue_Exhaustion(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	handler.script["exec-1"] = []queue.Outcome{
		queue.Retry(errStoreDown), queue.Retry(errStoreDown), queue.Retry(errStoreDown), queue.Retry(errStoreDown),
	}

	q, _ := startQueue(t, handler, fastConfig())
	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-1")))

	handler.waitFor(t, "exec-1")
	assert.Equal(t, 3, handler.count("exec-1"))

	err, exhausted := handler.exhaustedErr("exec-1")
	require.True(t, exhausted)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestWatermillQueue_SingleAttempt(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	handler.script["exec-1"] = []queue.Outcome{queue.Retry(errStoreDown), queue.Retry(errStoreDown)}

	config := fastConfig()
	config.Attempts = 1

	q, _ := startQueue(t, handler, config)
	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-1")))

	handler.waitFor(t, "exec-1")
	assert.Equal(t, 1, handler.count("exec-1"))

	_, exhausted := handler.exhaustedErr("exec-1")
	assert.True(t, exhausted)
}

func TestWatermillQueue_RejectIsNotRetried(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	handler.script["exec-1"] = []queue.Outcome{queue.Reject(errors.New("missing execution"))}

	q, _ := startQueue(t, handler, fastConfig())
	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-1")))

	handler.waitFor(t, "exec-1")
	assert.Equal(t, 1, handler.count("exec-1"))

	_, exhausted := handler.exhaustedErr("exec-1")
	assert.False(t, exhausted)
}

func TestWatermillQueue_PoisonMessageIsDropped(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	config := fastConfig()
	config.Workers = 1

	q, pub := startQueue(t, handler, config)

	poison := message.NewMessage(watermill.NewULID(), []byte("not json"))
	require.NoError(t, pub.Publish(queue.ShardTopic(config.Topic, 0), poison))
	require.NoError(t, q.Enqueue(context.Background(), testJob("exec-after")))

	handler.waitFor(t, "exec-after")
	assert.Equal(t, 1, handler.count("exec-after"))
}

func TestWatermillQueue_ManyJobsAcrossWorkers(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	config := fastConfig()
	config.Workers = 4

	q, _ := startQueue(t, handler, config)

	ids := make([]string, 0, 20)

	for i := range 20 {
		id := "exec-" + strconv.Itoa(i)
		ids = append(ids, id)
		require.NoError(t, q.Enqueue(context.Background(), testJob(id)))
	}

	handler.waitFor(t, ids...)

	for _, id := range ids {
		assert.Equal(t, 1, handler.count(id), id)
	}
}

func TestWatermillQueue_WorkerCountChange(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	pub, sub := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))

	before := fastConfig()
	before.Workers = 8

	producer := queue.NewWatermillQueue(pub, sub, before, logger)

	ids := make([]string, 0, 16)

	for i := range 16 {
		id := "exec-" + strconv.Itoa(i)
		ids = append(ids, id)
		require.NoError(t, producer.Enqueue(context.Background(), testJob(id)))
	}

	after := fastConfig()
	after.Workers = 4

	handler := newRecordingHandler()
	consumer := queue.NewWatermillQueue(pub, sub, after, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, handler)
	}()

	t.Cleanup(func() { _ = consumer.Close() })

	handler.waitFor(t, ids...)

	for _, id := range ids {
		assert.Equal(t, 1, handler.count(id), id)
	}
}

// concurrencyHandler tracks how many jobs run at the same time.
type concurrencyHandler struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	done    chan string
}

func (h *concurrencyHandler) Handle(_ context.Context, job queue.Job) queue.Outcome {
	n := h.active.Add(1)
	defer h.active.Add(-1)

	for {
		seen := h.maxSeen.Load()
		if n <= seen || h.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)
	h.done <- job.ExecutionID

	return queue.Ack()
}

func (h *concurrencyHandler) Exhausted(context.Context, queue.Job, error) {}

func TestWatermillQueue_WorkersBoundConcurrency(t *testing.T) {
	t.Parallel()

	handler := &concurrencyHandler{done: make(chan string, 20)}
	config := fastConfig()
	config.Workers = 2

	q, _ := startQueue(t, handler, config)

	for i := range 20 {
		require.NoError(t, q.Enqueue(context.Background(), testJob("exec-"+strconv.Itoa(i))))
	}

	timeout := time.After(5 * time.Second)

	for range 20 {
		select {
		case <-handler.done:
		case <-timeout:
			t.Fatal("timed out waiting for jobs")
		}
	}

	assert.LessOrEqual(t, handler.maxSeen.Load(), int32(2))
	assert.Positive(t, handler.maxSeen.Load())
}

func TestWatermillQueue_EnqueueAfterClose(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	pub, sub := gochannel.CreateTestChannel(watermill.NopLogger{})
	q := queue.NewWatermillQueue(pub, sub, fastConfig(), logger)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), testJob("exec-1")), queue.ErrClosed)
}

func TestShard(t *testing.T) {
	t.Parallel()

	for i := range 100 {
		id := "exec-" + strconv.Itoa(i)
		shard := queue.Shard(id, 4)

		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 4)
		assert.Equal(t, shard, queue.Shard(id, 4))
	}

	assert.Equal(t, 0, queue.Shard("anything", 1))
	assert.Equal(t, "topic.3", queue.ShardTopic("topic", 3))
}

func TestDecodeJob(t *testing.T) {
	t.Parallel()

	payload, err := testJob("exec-1").Encode()
	require.NoError(t, err)

	job, err := queue.DecodeJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", job.ExecutionID)
	assert.Len(t, job.Workflow.Steps, 1)

	_, err = queue.DecodeJob([]byte(`{"executionId":"x","workflow":{"steps":[]}}`))
	assert.ErrorIs(t, err, queue.ErrInvalidJob)

	_, err = queue.DecodeJob([]byte(`{`))
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	assert.True(t, queue.Ack().IsAck())
	assert.True(t, queue.Retry(errStoreDown).IsRetry())
	assert.ErrorIs(t, queue.Retry(errStoreDown).Err(), errStoreDown)
	assert.True(t, queue.Reject(errStoreDown).IsReject())
	assert.Equal(t, "reject", queue.Reject(nil).String())
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	config := queue.Config{}.WithDefaults()
	assert.Equal(t, queue.DefaultConfig(), config)

	custom := queue.Config{Topic: "t", Attempts: 5, Backoff: time.Millisecond, Workers: 8}.WithDefaults()
	assert.Equal(t, 5, custom.Attempts)
	assert.Equal(t, time.Millisecond, custom.Backoff)
}
