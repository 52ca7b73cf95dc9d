// Package metrics records task lifecycle and reconciliation metrics with
// OpenTelemetry. When disabled every instrument is a no-op.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/reconcile"
	"github.com/phrazzld/banksync/internal/task"
)

// MeterName is the instrumentation scope name.
const MeterName = "banksync"

// Provider wraps the meter provider with cleanup.
type Provider struct {
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Init returns an SDK-backed provider when enabled, a no-op one otherwise.
// Extra options (readers, resources) are passed to the SDK provider, which
// is also installed as the global provider.
func Init(enabled bool, opts ...sdkmetric.Option) *Provider {
	if !enabled {
		return &Provider{
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return &Provider{
		Meter:    mp.Meter(MeterName),
		shutdown: mp.Shutdown,
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Metrics holds the service instruments.
type Metrics struct {
	TasksDispatched  metric.Int64Counter
	TasksFinished    metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ProgressUpdates  metric.Int64Counter
	ReconcileChecked metric.Int64Counter
	ReconcileErrors  metric.Int64Counter
}

var _ events.EventHandler = (*Metrics)(nil)

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("banksync.task.dispatched",
		metric.WithDescription("Tasks handed to a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("banksync.task.finished",
		metric.WithDescription("Tasks that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("banksync.task.duration",
		metric.WithDescription("Time from creation to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProgressUpdates, err = meter.Int64Counter("banksync.task.progress_updates",
		metric.WithDescription("Progress mutations reported by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileChecked, err = meter.Int64Counter("banksync.reconcile.checked",
		metric.WithDescription("Processing tasks examined by the reconciliation loop"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileErrors, err = meter.Int64Counter("banksync.reconcile.errors",
		metric.WithDescription("Per-task reconciliation failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// HandleEvent implements events.EventHandler.
func (m *Metrics) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	snap := event.Snapshot
	kind := attribute.String("kind", event.Kind)

	switch {
	case snap.Status.IsTerminal():
		m.TasksFinished.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("status", string(snap.Status))))
		if !event.CreatedAt.IsZero() {
			m.TaskDuration.Record(ctx, snap.UpdatedAt.Sub(event.CreatedAt).Seconds(), metric.WithAttributes(kind))
		}
	// Records start at version 1, so the dispatch write is version 2.
	case snap.Status == task.StatusProcessing && snap.Version == 2:
		m.TasksDispatched.Add(ctx, 1, metric.WithAttributes(kind))
	case snap.Status == task.StatusProcessing:
		m.ProgressUpdates.Add(ctx, 1, metric.WithAttributes(kind))
	}
	return nil
}

// ObserveTick records one reconciliation pass. It matches reconcile.Config.OnTick.
func (m *Metrics) ObserveTick(ctx context.Context, res reconcile.Result) {
	m.ReconcileChecked.Add(ctx, int64(res.Checked))
	if res.Errors > 0 {
		m.ReconcileErrors.Add(ctx, int64(res.Errors))
	}
}
