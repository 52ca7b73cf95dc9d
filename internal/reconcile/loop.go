package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/redact"
	"github.com/phrazzld/banksync/internal/task"
)

// DefaultInterval is how often Processing tasks are checked for a result.
const DefaultInterval = 2 * time.Second

// timedOutMessage is the error recorded on tasks that never got a result.
const timedOutMessage = "task timed out"

// malformedMessage is the error recorded when a slot cannot be parsed.
const malformedMessage = "worker returned an unreadable result"

// Slots is the response-slot side of the broker.
type Slots interface {
	// TakeSlot atomically reads and deletes a slot.
	TakeSlot(ctx context.Context, key string) ([]byte, bool, error)
	// RestoreSlot puts a payload back if the slot is still empty.
	RestoreSlot(ctx context.Context, key string, payload []byte) (bool, error)
}

// Recorder persists a transition and publishes the result.
type Recorder interface {
	Apply(ctx context.Context, id uuid.UUID, tr task.Transition) (*task.Task, bool, error)
}

// Config tunes a Loop.
type Config struct {
	// Interval between scans; DefaultInterval when zero.
	Interval time.Duration
	// StaleAfter fails Processing tasks with no update for this long.
	// Zero disables the check.
	StaleAfter time.Duration
	// OnTick, when set, receives the summary of every background scan.
	OnTick func(ctx context.Context, res Result)
}

// Result summarizes one scan.
type Result struct {
	Checked  int
	Finished int
	TimedOut int
	Errors   int
}

// Loop scans Processing tasks and reconciles them with their slots.
type Loop struct {
	store    task.Store
	slots    Slots
	recorder Recorder
	keys     task.Keys
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a Loop.
func NewLoop(store task.Store, slots Slots, recorder Recorder, keys task.Keys, cfg Config, logger *slog.Logger) (*Loop, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if slots == nil {
		return nil, fmt.Errorf("slots cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{
		store:    store,
		slots:    slots,
		recorder: recorder,
		keys:     keys,
		config:   cfg,
		logger:   logger.With("component", "reconcile_loop"),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source used for staleness.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// Start runs the scan loop in the background until Stop is called or ctx ends.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("reconciliation loop started", "interval", l.config.Interval, "stale_after", l.config.StaleAfter)
}

// Stop ends the loop and waits for the current scan to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("reconciliation loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := l.Tick(ctx)
			if l.config.OnTick != nil {
				l.config.OnTick(ctx, res)
			}
			if res.Finished > 0 || res.TimedOut > 0 || res.Errors > 0 {
				l.logger.Info("reconciliation pass",
					"checked", res.Checked,
					"finished", res.Finished,
					"timed_out", res.TimedOut,
					"errors", res.Errors)
			}
		}
	}
}

// Tick runs one scan. Per-task failures are logged and counted; they
// never stop the scan.
func (l *Loop) Tick(ctx context.Context) Result {
	var res Result

	tasks, err := l.store.ListByStatus(ctx, task.StatusProcessing)
	if err != nil {
		l.logger.Error("failed to list processing tasks", "error", redact.Error(err))
		res.Errors++
		return res
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return res
		}
		res.Checked++

		finished, err := l.ReconcileTask(ctx, t)
		if err != nil {
			res.Errors++
			l.logger.Error("failed to reconcile task",
				"task_id", t.ID,
				"kind", t.Kind,
				"error", redact.Error(err))
			continue
		}
		if finished {
			res.Finished++
			continue
		}

		if l.isStale(t) {
			_, applied, err := l.recorder.Apply(ctx, t.ID, task.Fail(timedOutMessage))
			if err != nil {
				res.Errors++
				l.logger.Error("failed to time out task", "task_id", t.ID, "error", redact.Error(err))
				continue
			}
			if applied {
				res.TimedOut++
				l.logger.Warn("task timed out", "task_id", t.ID, "kind", t.Kind, "updated_at", t.UpdatedAt)
			}
		}
	}
	return res
}

// ReconcileTask consumes t's response slot, if any, and applies the
// outcome. It reports whether a slot was consumed.
func (l *Loop) ReconcileTask(ctx context.Context, t *task.Task) (bool, error) {
	key := l.keys.Response(t.Identity, t.Kind)

	raw, ok, err := l.slots.TakeSlot(ctx, key)
	if err != nil {
		return false, fmt.Errorf("take slot: %w", err)
	}
	if !ok {
		return false, nil
	}

	tr := outcomeTransition(raw)
	if tr.Error == malformedMessage {
		l.logger.Warn("malformed worker result", "task_id", t.ID, "kind", t.Kind)
	}

	_, applied, err := l.recorder.Apply(ctx, t.ID, tr)
	if err != nil {
		if restored, rerr := l.slots.RestoreSlot(ctx, key, raw); rerr != nil || !restored {
			l.logger.Error("worker result lost after failed write",
				"task_id", t.ID,
				"restored", restored,
				"restore_error", rerr)
		}
		return false, fmt.Errorf("apply outcome: %w", err)
	}

	if applied {
		l.logger.Info("task reconciled", "task_id", t.ID, "kind", t.Kind, "status", tr.To)
	} else {
		l.logger.Debug("slot consumed for a task that was already final", "task_id", t.ID)
	}
	return true, nil
}

// ReconcileByID reconciles one task on demand. Tasks no longer in
// Processing are left alone.
func (l *Loop) ReconcileByID(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if t.Status != task.StatusProcessing {
		return false, nil
	}
	return l.ReconcileTask(ctx, t)
}

func (l *Loop) isStale(t *task.Task) bool {
	return l.config.StaleAfter > 0 && l.now().Sub(t.UpdatedAt) > l.config.StaleAfter
}

func outcomeTransition(raw []byte) task.Transition {
	outcome, err := task.ParseResponseSlot(raw)
	if err != nil {
		return task.Fail(malformedMessage)
	}
	return outcome.Transition()
}
