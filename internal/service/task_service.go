package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/dispatch"
	"github.com/phrazzld/banksync/internal/plan"
	"github.com/phrazzld/banksync/internal/task"
)

const (
	dispatchedMessage = "Task sent to worker"

	// CancelRequested is returned when a cancel message was sent.
	CancelRequested = "cancellation requested"
)

// Dispatcher hands envelopes and control messages to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, env task.DispatchEnvelope) (dispatch.Receipt, error)
	Retract(ctx context.Context, r dispatch.Receipt) error
	SendControl(ctx context.Context, kind string, msg task.ControlMessage) error
}

// StatusWriter persists a transition and relays it.
type StatusWriter interface {
	Apply(ctx context.Context, id uuid.UUID, tr task.Transition) (*task.Task, bool, error)
}

// CreateRequest holds what an owner submits to start a task.
type CreateRequest struct {
	OwnerID     int64
	Kind        string
	Credentials task.Credentials
	Extra       map[string]string
}

// Stats aggregates an owner's tasks.
type Stats struct {
	Counts          map[task.Status]int `json:"counts"`
	Total           int                 `json:"total"`
	Running         bool                `json:"running"`
	LastCompletedAt *time.Time          `json:"last_completed_at,omitempty"`
}

// TaskService implements the task registry operations.
type TaskService struct {
	store      task.Store
	gate       plan.Gate
	dispatcher Dispatcher
	launcher   dispatch.Launcher
	recorder   StatusWriter
	logger     *slog.Logger
	now        func() time.Time
}

// NewTaskService creates a TaskService. The launcher may be nil when
// workers are managed outside this process.
func NewTaskService(
	store task.Store,
	gate plan.Gate,
	dispatcher Dispatcher,
	launcher dispatch.Launcher,
	recorder StatusWriter,
	logger *slog.Logger,
) (*TaskService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &TaskService{
		store:      store,
		gate:       gate,
		dispatcher: dispatcher,
		launcher:   launcher,
		recorder:   recorder,
		logger:     logger.With("component", "task_service"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source for created records and cleanup cutoffs.
func (s *TaskService) SetClock(now func() time.Time) {
	s.now = now
}

// Create admits, persists and dispatches a task. The returned task is
// already Processing. Admission failures leave no record and send nothing;
// a failed dispatch or Processing write removes the record again.
func (s *TaskService) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if req.OwnerID <= 0 {
		return nil, fmt.Errorf("%w: owner id is required", task.ErrValidation)
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", task.ErrValidation)
	}
	if err := req.Credentials.Validate(); err != nil {
		return nil, err
	}

	if err := plan.Admit(ctx, s.gate, req.OwnerID, req.Kind); err != nil {
		s.logger.Info("task admission rejected",
			"owner_id", req.OwnerID,
			"kind", req.Kind,
			"error", err)
		return nil, err
	}

	t := task.NewTask(uuid.New(), req.OwnerID, req.Kind, req.Credentials.Identity(), s.now())
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: save task: %v", task.ErrInfrastructure, err)
	}

	receipt, err := s.dispatcher.Dispatch(ctx, task.NewEnvelope(t, req.Credentials, req.Extra))
	if err != nil {
		s.discard(ctx, t.ID)
		if errors.Is(err, task.ErrInfrastructure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: dispatch task: %v", task.ErrInfrastructure, err)
	}

	if s.launcher != nil {
		if err := s.launcher.Ensure(ctx, req.Kind); err != nil {
			s.logger.Warn("failed to ensure worker is running",
				"kind", req.Kind,
				"task_id", t.ID,
				"error", err)
		}
	}

	processing, applied, err := s.recorder.Apply(ctx, t.ID, task.ToProcessing(dispatchedMessage))
	if err == nil && !applied {
		err = fmt.Errorf("task left %s before dispatch completed", processing.Status)
	}
	if err != nil {
		if rerr := s.dispatcher.Retract(ctx, receipt); rerr != nil {
			s.logger.Error("failed to retract envelope", "task_id", t.ID, "error", rerr)
		}
		s.discard(ctx, t.ID)
		return nil, fmt.Errorf("%w: mark task processing: %v", task.ErrInfrastructure, err)
	}

	s.logger.Info("task created",
		"task_id", t.ID,
		"owner_id", req.OwnerID,
		"kind", req.Kind)
	return processing, nil
}

// Get returns one of the owner's tasks.
func (s *TaskService) Get(ctx context.Context, ownerID int64, id uuid.UUID) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get task: %v", task.ErrInfrastructure, err)
	}
	if t.OwnerID != ownerID {
		return nil, ErrNotOwned
	}
	return t, nil
}

// List returns the owner's tasks, newest first.
func (s *TaskService) List(ctx context.Context, ownerID int64) ([]*task.Task, error) {
	tasks, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", task.ErrInfrastructure, err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return tasks, nil
}

// Cancel asks the worker to stop a task. It returns CancelRequested once
// the control message is queued; the outcome is recorded later by
// whichever terminal write lands first. A task that is already terminal
// is rejected with task.ErrAlreadyTerminal and left untouched.
func (s *TaskService) Cancel(ctx context.Context, ownerID int64, id uuid.UUID) (string, error) {
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if t.Status.IsTerminal() {
		return "", fmt.Errorf("%w: cannot cancel: task already finished", task.ErrAlreadyTerminal)
	}

	msg := task.ControlMessage{Action: task.ControlCancel, TaskID: t.ID}
	if err := s.dispatcher.SendControl(ctx, t.Kind, msg); err != nil {
		return "", err
	}

	s.logger.Info("cancellation requested", "task_id", t.ID, "kind", t.Kind)
	return CancelRequested, nil
}

// Stats summarizes the owner's tasks.
func (s *TaskService) Stats(ctx context.Context, ownerID int64) (*Stats, error) {
	tasks, err := s.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Counts: make(map[task.Status]int, len(task.AllStatuses))}
	for _, st := range task.AllStatuses {
		stats.Counts[st] = 0
	}
	for _, t := range tasks {
		stats.Counts[t.Status]++
		stats.Total++
		if !t.Status.IsTerminal() {
			stats.Running = true
		}
		if t.Status == task.StatusCompleted && (stats.LastCompletedAt == nil || t.UpdatedAt.After(*stats.LastCompletedAt)) {
			completed := t.UpdatedAt
			stats.LastCompletedAt = &completed
		}
	}
	return stats, nil
}

// Cleanup deletes terminal tasks not updated within maxAge.
func (s *TaskService) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", task.ErrValidation)
	}
	removed, err := s.store.DeleteTerminalBefore(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", task.ErrInfrastructure, err)
	}
	if removed > 0 {
		s.logger.Info("removed finished tasks", "count", removed, "max_age", maxAge)
	}
	return removed, nil
}

func (s *TaskService) discard(ctx context.Context, id uuid.UUID) {
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Error("failed to remove undispatched task", "task_id", id, "error", err)
	}
}
