package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/banksync/internal/service"
	"github.com/phrazzld/banksync/internal/task"
)

// CreateTaskRequest defines the payload for starting a task.
type CreateTaskRequest struct {
	// Kind names the target integration, e.g. "bank-x".
	Kind string `json:"kind" validate:"required,max=64,hostname_rfc1123"`

	Credentials CredentialsRequest `json:"credentials"`

	// Extra is forwarded to the worker untouched.
	Extra map[string]string `json:"extra,omitempty" validate:"max=16"`
}

// CredentialsRequest is the credential payload; it is forwarded to the
// worker and never stored.
type CredentialsRequest struct {
	Rut      string `json:"rut,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password" validate:"required"`
}

func (c CredentialsRequest) toDomain() task.Credentials {
	return task.Credentials{Rut: c.Rut, Username: c.Username, Password: c.Password}
}

// TaskResponse is the client view of a task.
type TaskResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func taskToResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID.String(),
		Kind:      t.Kind,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Message:   t.Message,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// TaskListResponse wraps an owner's tasks, newest first.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// StatsResponse is the aggregate view of an owner's tasks.
type StatsResponse = service.Stats

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CleanupRequest optionally overrides the retention age, e.g. "72h".
type CleanupRequest struct {
	MaxAge string `json:"max_age,omitempty"`
}

// CleanupResponse reports how many finished tasks were removed.
type CleanupResponse struct {
	Removed int `json:"removed"`
}
