package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/platform/redis"
	"github.com/phrazzld/banksync/internal/redact"
	"github.com/phrazzld/banksync/internal/task"
)

// WorkerEvent is a progress notice a worker publishes while it runs.
// Final announces that the response slot has been written.
type WorkerEvent struct {
	TaskID   uuid.UUID `json:"task_id"`
	Progress *int      `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Final    bool      `json:"final,omitempty"`
}

// Subscriber opens broker subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (*redis.Subscription, error)
}

// Listener applies worker progress events and reconciles a task as soon
// as its worker reports it is done, ahead of the next scan.
type Listener struct {
	subscriber Subscriber
	store      task.Store
	recorder   Recorder
	loop       *Loop
	keys       task.Keys
	kinds      []string
	logger     *slog.Logger
}

// NewListener creates a Listener for the given task kinds.
func NewListener(subscriber Subscriber, store task.Store, recorder Recorder, loop *Loop, keys task.Keys, kinds []string, logger *slog.Logger) *Listener {
	return &Listener{
		subscriber: subscriber,
		store:      store,
		recorder:   recorder,
		loop:       loop,
		keys:       keys,
		kinds:      kinds,
		logger:     logger.With("component", "worker_event_listener"),
	}
}

// Run subscribes to every kind's event channel and handles events until
// ctx ends. The subscription is confirmed before ready is closed.
func (l *Listener) Run(ctx context.Context, ready chan<- struct{}) error {
	if len(l.kinds) == 0 {
		close(ready)
		<-ctx.Done()
		return nil
	}

	channels := make([]string, 0, len(l.kinds))
	for _, kind := range l.kinds {
		channels = append(channels, l.keys.Events(kind))
	}

	sub, err := l.subscriber.Subscribe(ctx, channels...)
	if err != nil {
		close(ready)
		return fmt.Errorf("subscribe to worker events: %w", err)
	}
	defer func() { _ = sub.Close() }()
	close(ready)

	l.logger.Info("listening for worker events", "channels", channels)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("worker event subscription closed")
			}
			if err := l.Handle(ctx, msg.Payload); err != nil {
				l.logger.Warn("failed to handle worker event",
					"channel", msg.Channel,
					"error", redact.Error(err))
			}
		}
	}
}

// Handle applies one raw worker event.
func (l *Listener) Handle(ctx context.Context, payload []byte) error {
	var ev WorkerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode worker event: %w", err)
	}
	if ev.TaskID == uuid.Nil {
		return errors.New("worker event without task_id")
	}

	if ev.Final {
		_, err := l.loop.ReconcileByID(ctx, ev.TaskID)
		return err
	}

	current, err := l.store.Get(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if current.Status != task.StatusProcessing {
		return nil
	}

	tr := task.Transition{To: task.StatusProcessing, Message: ev.Message}
	if ev.Progress != nil {
		tr = task.ReportProgress(*ev.Progress, ev.Message)
	}
	_, _, err = l.recorder.Apply(ctx, ev.TaskID, tr)
	return err
}
