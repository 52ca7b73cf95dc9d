package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/task"
)

// DefaultBuffer is the per-observer queue length.
const DefaultBuffer = 32

// SnapshotSource loads the latest persisted state of a task.
type SnapshotSource interface {
	Get(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// EndReason says why a subscription stopped delivering.
type EndReason int

// End reasons.
const (
	EndNone EndReason = iota
	// EndTerminal means the terminal snapshot was delivered.
	EndTerminal
	// EndSlowConsumer means the observer fell behind and must resubscribe.
	EndSlowConsumer
	// EndClosed means the observer closed the subscription.
	EndClosed
)

// Hub keeps the observers of every task on this instance.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	source SnapshotSource
	buffer int
	logger *slog.Logger
}

var _ events.EventHandler = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub(source SnapshotSource, buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		source: source,
		buffer: buffer,
		logger: logger.With("component", "status_relay"),
	}
}

// Subscription is one observer's stream of snapshots for one task.
type Subscription struct {
	hub    *Hub
	taskID uuid.UUID
	ch     chan task.Snapshot

	mu          sync.Mutex
	lastVersion int64
	reason      EndReason
}

// Subscribe joins the task's stream. The observer is registered before
// the snapshot is loaded so no mutation persisted in between is missed;
// the version filter drops whichever copy arrives second.
func (h *Hub) Subscribe(ctx context.Context, taskID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{
		hub:    h,
		taskID: taskID,
		ch:     make(chan task.Snapshot, h.buffer),
	}

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[*Subscription]struct{})
	}
	h.subs[taskID][sub] = struct{}{}
	h.mu.Unlock()

	t, err := h.source.Get(ctx, taskID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	sub.deliver(t.Snapshot())
	return sub, nil
}

// Publish delivers a snapshot to the task's observers on this instance.
func (h *Hub) Publish(snap task.Snapshot) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[snap.TaskID]))
	for sub := range h.subs[snap.TaskID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(snap)
	}
}

// HandleEvent implements events.EventHandler.
func (h *Hub) HandleEvent(_ context.Context, event *events.TaskEvent) error {
	h.Publish(event.Snapshot)
	return nil
}

// Observers returns how many observers the task has on this instance.
func (h *Hub) Observers(taskID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.taskID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.taskID)
	}
}

// Updates returns the snapshot stream. It is closed when the
// subscription ends; Reason tells why.
func (s *Subscription) Updates() <-chan task.Snapshot {
	return s.ch
}

// Reason reports why the stream ended, or EndNone while it is open.
func (s *Subscription) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close leaves the stream. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(EndClosed)
}

func (s *Subscription) deliver(snap task.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reason != EndNone || snap.Version <= s.lastVersion {
		return
	}

	select {
	case s.ch <- snap:
		s.lastVersion = snap.Version
		if snap.Status.IsTerminal() {
			s.endLocked(EndTerminal)
		}
	default:
		s.hub.logger.Warn("observer too slow, closing stream",
			"task_id", s.taskID,
			"version", snap.Version)
		s.endLocked(EndSlowConsumer)
	}
}

func (s *Subscription) endLocked(reason EndReason) {
	if s.reason != EndNone {
		return
	}
	s.reason = reason
	close(s.ch)
	s.hub.remove(s)
}
