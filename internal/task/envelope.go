package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Credentials is the secret payload the worker needs to log in to the
// target site. It lives only in the dispatch envelope.
type Credentials struct {
	Rut      string `json:"rut,omitempty" validate:"required_without=Username"`
	Username string `json:"username,omitempty" validate:"required_without=Rut"`
	Password string `json:"password" validate:"required"`
}

// Validate checks the credential shape: a password plus a rut or a username.
func (c Credentials) Validate() error {
	if err := validate.Struct(c); err != nil || c.Identity() == "" {
		return fmt.Errorf("%w: credentials require a password and a rut or username", ErrValidation)
	}
	return nil
}

// Identity is the non-secret name the worker files its response under.
func (c Credentials) Identity() string {
	if rut := strings.TrimSpace(c.Rut); rut != "" {
		return rut
	}
	return strings.TrimSpace(c.Username)
}

// DispatchEnvelope is written once to the kind's queue and once to its
// publish channel. It is never stored on its own.
type DispatchEnvelope struct {
	TaskID      uuid.UUID         `json:"task_id"`
	Kind        string            `json:"kind"`
	Credentials Credentials       `json:"credentials"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// NewEnvelope derives the dispatch envelope for a freshly created task.
func NewEnvelope(t *Task, creds Credentials, extra map[string]string) DispatchEnvelope {
	return DispatchEnvelope{
		TaskID:      t.ID,
		Kind:        t.Kind,
		Credentials: creds,
		Extra:       extra,
	}
}

// Marshal serializes the envelope for the wire.
func (e DispatchEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ControlAction names an out-of-band instruction for the worker.
type ControlAction string

// ControlCancel asks the worker to stop working on a task.
const ControlCancel ControlAction = "cancel"

// ControlMessage is appended to the kind's control list.
type ControlMessage struct {
	Action ControlAction `json:"action"`
	TaskID uuid.UUID     `json:"task_id"`
}
