package metrics_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/metrics"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func execution(status models.ExecutionStatus, failures int) *models.Execution {
	exec := models.NewQueuedExecution("e", "w", time.Now())
	exec.Status = status

	if status.IsTerminal() {
		result := models.NewExecutionResult(failures + 1)
		result.Append(models.StepResult{StepID: "ok", Outcome: models.StepOutcomeSuccess})

		for range failures {
			result.Append(models.StepResult{StepID: "bad", Outcome: models.StepOutcomeFailed})
		}

		exec.Results = result
	}

	return exec
}

func newAggregator(t *testing.T) *metrics.Aggregator {
	t.Helper()

	aggregator, err := metrics.NewAggregator(noop.NewMeterProvider())
	require.NoError(t, err)

	return aggregator
}

func TestAggregator_Record(t *testing.T) {
	t.Parallel()

	aggregator := newAggregator(t)
	ctx := context.Background()

	snapshot := aggregator.Record(ctx, execution(models.ExecutionStatusCompleted, 0))
	assert.Equal(t, models.MetricsSnapshot{TotalExecutions: 1, SuccessfulExecutions: 1}, snapshot)

	snapshot = aggregator.Record(ctx, execution(models.ExecutionStatusCompleted, 2))
	assert.Equal(t, models.MetricsSnapshot{TotalExecutions: 2, SuccessfulExecutions: 1, FailedExecutions: 1}, snapshot)

	snapshot = aggregator.Record(ctx, execution(models.ExecutionStatusFailed, 0))
	assert.Equal(t, models.MetricsSnapshot{TotalExecutions: 3, SuccessfulExecutions: 1, FailedExecutions: 2}, snapshot)

	snapshot = aggregator.Record(ctx, execution(models.ExecutionStatusRunning, 0))
	assert.Equal(t, int64(3), snapshot.TotalExecutions)

	assert.Equal(t, snapshot, aggregator.Snapshot())
}

func TestAggregator_InvariantUnderRandomConcurrentEvents(t *testing.T) {
	t.Parallel()

	aggregator := newAggregator(t)
	statuses := []models.ExecutionStatus{models.ExecutionStatusCompleted, models.ExecutionStatusFailed}

	var wg sync.WaitGroup

	const workers = 8
	const perWorker = 250

	for w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(w), 99))

			for range perWorker {
				exec := execution(statuses[rng.IntN(2)], rng.IntN(3))
				snapshot := aggregator.Record(context.Background(), exec)

				assert.Equal(t, snapshot.TotalExecutions, snapshot.SuccessfulExecutions+snapshot.FailedExecutions)
			}
		}()
	}

	for range 100 {
		snapshot := aggregator.Snapshot()
		assert.Equal(t, snapshot.TotalExecutions, snapshot.SuccessfulExecutions+snapshot.FailedExecutions)
	}

	wg.Wait()

	final := aggregator.Snapshot()
	assert.Equal(t, int64(workers*perWorker), final.TotalExecutions)
	assert.Equal(t, final.TotalExecutions, final.SuccessfulExecutions+final.FailedExecutions)
}

func TestAggregator_MirrorsToMeterProvider(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	aggregator, err := metrics.NewAggregator(provider)
	require.NoError(t, err)

	aggregator.Record(context.Background(), execution(models.ExecutionStatusCompleted, 0))
	aggregator.Record(context.Background(), execution(models.ExecutionStatusFailed, 0))

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	totals := make(map[string]int64)

	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)

			for _, point := range sum.DataPoints {
				totals[m.Name] += point.Value
			}
		}
	}

	assert.Equal(t, int64(2), totals["stepflow.executions.total"])
	assert.Equal(t, int64(1), totals["stepflow.executions.successful"])
	assert.Equal(t, int64(1), totals["stepflow.executions.failed"])
}

func TestSuccessful(t *testing.T) {
	t.Parallel()

	assert.True(t, metrics.Successful(execution(models.ExecutionStatusCompleted, 0)))
	assert.False(t, metrics.Successful(execution(models.ExecutionStatusCompleted, 1)))
	assert.False(t, metrics.Successful(execution(models.ExecutionStatusFailed, 0)))
}
