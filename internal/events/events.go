package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/task"
)

// TaskEvent announces that a task record moved to a new version.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Snapshot is the task state as persisted
	Snapshot task.Snapshot `json:"snapshot"`

	// Kind and CreatedAt describe the task for local handlers; they are
	// not part of the observer-facing snapshot.
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// EmittedAt is the time the event was created
	EmittedAt time.Time `json:"emitted_at"`
}

// NewTaskEvent wraps a persisted task in an event.
func NewTaskEvent(t *task.Task) *TaskEvent {
	return &TaskEvent{
		ID:        uuid.New(),
		Snapshot:  t.Snapshot(),
		Kind:      t.Kind,
		CreatedAt: t.CreatedAt,
		EmittedAt: time.Now(),
	}
}

// Terminal reports whether the snapshot carries a final status.
func (e *TaskEvent) Terminal() bool {
	return e.Snapshot.Status.IsTerminal()
}

// EventHandler defines an interface for components that react to task events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}
