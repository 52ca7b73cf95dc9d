package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/task"
)

// Recorder applies a transition to the store and, only when the record
// actually changed, emits the resulting snapshot. Every status writer in
// the process goes through a Recorder so observers never see a state
// that was not persisted first.
type Recorder struct {
	store   task.Store
	emitter EventEmitter
	logger  *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store task.Store, emitter EventEmitter, logger *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if emitter == nil {
		return nil, fmt.Errorf("emitter cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Recorder{
		store:   store,
		emitter: emitter,
		logger:  logger.With("component", "task_recorder"),
	}, nil
}

// Apply persists tr and emits the new snapshot. It returns the task as
// stored and whether the transition took effect. Handler failures are
// logged and never undo the persisted write.
func (r *Recorder) Apply(ctx context.Context, id uuid.UUID, tr task.Transition) (*task.Task, bool, error) {
	t, applied, err := r.store.Apply(ctx, id, tr)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		r.logger.Debug("transition ignored",
			"task_id", id,
			"status", t.Status,
			"requested", tr.To)
		return t, false, nil
	}

	if err := r.emitter.EmitEvent(ctx, NewTaskEvent(t)); err != nil {
		r.logger.Warn("status event delivery incomplete",
			"error", err,
			"task_id", id,
			"version", t.Version)
	}
	return t, true, nil
}
