package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/reconcile"
	"github.com/phrazzld/banksync/internal/task"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return sums
}

func event(status task.Status, version int64) *events.TaskEvent {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &events.TaskEvent{
		ID:        uuid.New(),
		Kind:      "bank-x",
		CreatedAt: created,
		Snapshot: task.Snapshot{
			TaskID:    uuid.New(),
			Status:    status,
			Version:   version,
			UpdatedAt: created.Add(30 * time.Second),
		},
	}
}

func TestMetrics_RecordsLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p := Init(true, sdkmetric.WithReader(reader))
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, event(task.StatusProcessing, 2)))
	require.NoError(t, m.HandleEvent(ctx, event(task.StatusProcessing, 3)))
	require.NoError(t, m.HandleEvent(ctx, event(task.StatusProcessing, 4)))
	require.NoError(t, m.HandleEvent(ctx, event(task.StatusCompleted, 5)))
	require.NoError(t, m.HandleEvent(ctx, event(task.StatusFailed, 3)))
	m.ObserveTick(ctx, reconcile.Result{Checked: 4, Finished: 1, Errors: 2})

	got := collect(t, reader)
	assert.Equal(t, int64(1), got["banksync.task.dispatched"])
	assert.Equal(t, int64(2), got["banksync.task.progress_updates"])
	assert.Equal(t, int64(2), got["banksync.task.finished"])
	assert.Equal(t, int64(2), got["banksync.task.duration"])
	assert.Equal(t, int64(4), got["banksync.reconcile.checked"])
	assert.Equal(t, int64(2), got["banksync.reconcile.errors"])
}

func TestMetrics_NoopProvider(t *testing.T) {
	p := Init(false)
	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)

	assert.NoError(t, m.HandleEvent(context.Background(), event(task.StatusCompleted, 3)))
	assert.NoError(t, p.Shutdown(context.Background()))
}
