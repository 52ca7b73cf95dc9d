package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the durable task record store. It is the sole authority
// for task state; anything held in memory elsewhere is a cache.
//
// Per-key operations must be atomic. No operation spans two tasks.
type Store interface {
	// Create persists a new task record and its usage entry.
	Create(ctx context.Context, t *Task) error

	// Get returns the task with the given id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListByOwner returns the owner's tasks, newest first.
	ListByOwner(ctx context.Context, ownerID int64) ([]*Task, error)

	// ListByStatus returns all tasks currently in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]*Task, error)

	// Apply atomically applies tr to the stored task using the Apply rules.
	// It returns the resulting task and whether the record changed. A task
	// already in a terminal status is returned unchanged with applied=false.
	Apply(ctx context.Context, id uuid.UUID, tr Transition) (*Task, bool, error)

	// Delete removes a task record together with its usage entry; it undoes
	// a Create that failed later on. Deleting a missing task is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// CountCreatedSince counts the owner's tasks of a kind created at or
	// after since. Usage entries outlive DeleteTerminalBefore, so retention
	// never lowers the count.
	CountCreatedSince(ctx context.Context, ownerID int64, kind string, since time.Time) (int, error)

	// DeleteTerminalBefore removes terminal tasks last updated before cutoff
	// and returns how many were removed. Usage entries are kept.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
