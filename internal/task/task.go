package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transition may leave this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Task is one external data-extraction job driven by an out-of-process worker.
//
// Credentials are never part of the record. Identity is the non-secret
// part of the credentials (rut or username) that names the worker's
// response slot; it is stored so reconciliation can find the slot after
// a restart, but it is never serialized to observers.
type Task struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	Kind      string          `json:"kind"`
	Identity  string          `json:"-"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewTask builds a Pending task. The caller supplies the id so that id
// generation stays at the registry boundary.
func NewTask(id uuid.UUID, ownerID int64, kind, identity string, now time.Time) *Task {
	return &Task{
		ID:        id,
		OwnerID:   ownerID,
		Kind:      kind,
		Identity:  identity,
		Status:    StatusPending,
		Progress:  0,
		Message:   "Task created, waiting to be dispatched",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share the Result buffer.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// Snapshot is the observer-facing view of a task at one version.
type Snapshot struct {
	TaskID    uuid.UUID       `json:"task_id"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot returns the observer-facing view of the task.
func (t *Task) Snapshot() Snapshot {
	s := Snapshot{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Error:     t.Error,
		Version:   t.Version,
		UpdatedAt: t.UpdatedAt,
	}
	if t.Result != nil {
		s.Result = append(json.RawMessage(nil), t.Result...)
	}
	return s
}
