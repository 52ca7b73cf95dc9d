package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/banksync/internal/task"
)

// Backend is the subset of the broker the dispatcher writes through.
type Backend interface {
	Push(ctx context.Context, list string, payload []byte) error
	Remove(ctx context.Context, list string, payload []byte) (bool, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Receipt identifies a queued envelope so it can be retracted.
type Receipt struct {
	List    string
	Payload []byte
}

// Dispatcher writes envelopes to the kind's durable list and wakes
// listening workers on the kind's channel.
type Dispatcher struct {
	backend Backend
	keys    task.Keys
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(backend Backend, keys task.Keys, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		keys:    keys,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch appends the envelope to the kind's list, then publishes it on
// the kind's channel. Only the append is required to succeed: the list is
// what a worker drains, the publish is a wake-up hint.
func (d *Dispatcher) Dispatch(ctx context.Context, env task.DispatchEnvelope) (Receipt, error) {
	payload, err := env.Marshal()
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal envelope: %w", err)
	}

	receipt := Receipt{List: d.keys.Queue(env.Kind), Payload: payload}
	if err := d.backend.Push(ctx, receipt.List, payload); err != nil {
		return Receipt{}, fmt.Errorf("%w: enqueue task: %v", task.ErrInfrastructure, err)
	}

	if err := d.backend.Publish(ctx, d.keys.Channel(env.Kind), payload); err != nil {
		d.logger.Warn("failed to publish dispatch notice",
			"task_id", env.TaskID,
			"kind", env.Kind,
			"error", err)
	}

	d.logger.Debug("task dispatched", "task_id", env.TaskID, "kind", env.Kind, "list", receipt.List)
	return receipt, nil
}

// Retract removes a previously queued envelope that no worker has taken yet.
func (d *Dispatcher) Retract(ctx context.Context, r Receipt) error {
	removed, err := d.backend.Remove(ctx, r.List, r.Payload)
	if err != nil {
		return fmt.Errorf("%w: retract envelope: %v", task.ErrInfrastructure, err)
	}
	if !removed {
		d.logger.Warn("envelope already taken by a worker", "list", r.List)
	}
	return nil
}

// SendControl appends a control message to the kind's control list.
func (d *Dispatcher) SendControl(ctx context.Context, kind string, msg task.ControlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if err := d.backend.Push(ctx, d.keys.Control(kind), payload); err != nil {
		return fmt.Errorf("%w: send control message: %v", task.ErrInfrastructure, err)
	}
	return nil
}
