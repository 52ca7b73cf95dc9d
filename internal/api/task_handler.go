package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/api/middleware"
	"github.com/phrazzld/banksync/internal/api/shared"
	"github.com/phrazzld/banksync/internal/platform/logger"
	"github.com/phrazzld/banksync/internal/relay"
	"github.com/phrazzld/banksync/internal/service"
	"github.com/phrazzld/banksync/internal/task"
)

// TaskService is the registry the handler serves.
type TaskService interface {
	Create(ctx context.Context, req service.CreateRequest) (*task.Task, error)
	Get(ctx context.Context, ownerID int64, id uuid.UUID) (*task.Task, error)
	List(ctx context.Context, ownerID int64) ([]*task.Task, error)
	Cancel(ctx context.Context, ownerID int64, id uuid.UUID) (string, error)
	Stats(ctx context.Context, ownerID int64) (*service.Stats, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// StatusRelay streams a task's snapshots.
type StatusRelay interface {
	Subscribe(ctx context.Context, taskID uuid.UUID) (*relay.Subscription, error)
}

const watchWriteTimeout = 10 * time.Second

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	tasks          TaskService
	relay          StatusRelay
	retentionAge   time.Duration
	originPatterns []string
}

// NewTaskHandler creates a TaskHandler. retentionAge is the default for
// the cleanup endpoint.
func NewTaskHandler(tasks TaskService, relay StatusRelay, retentionAge time.Duration, originPatterns ...string) *TaskHandler {
	return &TaskHandler{
		tasks:          tasks,
		relay:          relay,
		retentionAge:   retentionAge,
		originPatterns: originPatterns,
	}
}

// CreateTask handles POST /api/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := handleOwnerID(w, r)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleValidationError(w, r, err)
		return
	}

	t, err := h.tasks.Create(r.Context(), service.CreateRequest{
		OwnerID:     ownerID,
		Kind:        req.Kind,
		Credentials: req.Credentials.toDomain(),
		Extra:       req.Extra,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(t))
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := handleOwnerID(w, r)
	if !ok {
		return
	}

	tasks, err := h.tasks.List(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(t))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetStats handles GET /api/tasks/stats.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := handleOwnerID(w, r)
	if !ok {
		return
	}

	stats, err := h.tasks.Stats(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := handleOwnerIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.tasks.Get(r.Context(), ownerID, id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// CancelTask handles POST /api/tasks/{id}/cancel. A 202 means the
// request reached the worker's control list, not that the task stopped.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := handleOwnerIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	msg, err := h.tasks.Cancel(r.Context(), ownerID, id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, CancelResponse{ID: id.String(), Message: msg})
}

// WatchTask handles GET /api/tasks/{id}/watch. After the websocket
// upgrade the client receives the latest snapshot, then every later
// version, and the server closes the socket after the terminal one.
func (h *TaskHandler) WatchTask(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := handleOwnerIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.tasks.Get(r.Context(), ownerID, id); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.FromContext(r.Context()).Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Observers only listen; CloseRead handles control frames and ends
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	sub, err := h.relay.Subscribe(ctx, id)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "task unavailable")
		return
	}
	defer sub.Close()

	log := logger.FromContext(r.Context()).With("task_id", id)
	for {
		select {
		case <-ctx.Done():
			log.Debug("observer disconnected")
			return
		case snap, open := <-sub.Updates():
			if !open {
				h.closeWatch(conn, sub.Reason())
				return
			}
			wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
			err := wsjson.Write(wctx, conn, snap)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					log.Debug("failed to write snapshot", "error", err)
				}
				return
			}
		}
	}
}

func (h *TaskHandler) closeWatch(conn *websocket.Conn, reason relay.EndReason) {
	switch reason {
	case relay.EndSlowConsumer:
		_ = conn.Close(websocket.StatusTryAgainLater, "observer too slow, resubscribe")
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "task finished")
	}
}

// CleanupTasks handles POST /api/admin/tasks/cleanup.
func (h *TaskHandler) CleanupTasks(w http.ResponseWriter, r *http.Request) {
	maxAge := h.retentionAge

	var req CleanupRequest
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
			return
		}
	}
	if req.MaxAge != "" {
		parsed, err := time.ParseDuration(req.MaxAge)
		if err != nil || parsed <= 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid max_age: expected a positive duration such as 48h")
			return
		}
		maxAge = parsed
	}

	removed, err := h.tasks.Cleanup(r.Context(), maxAge)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CleanupResponse{Removed: removed})
}

// Register mounts the task routes under r. Every route requires a token;
// cleanup additionally requires the admin role.
func (h *TaskHandler) Register(r chi.Router, authMiddleware *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/stats", h.GetStats)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Get("/tasks/{id}/watch", h.WatchTask)

		r.With(middleware.RequireAdmin).Post("/admin/tasks/cleanup", h.CleanupTasks)
	})
}
