package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-instance development runs without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	usage map[uuid.UUID]usageEntry
	now   func() time.Time

	// CreateFn, GetFn and ApplyFn, when set, replace the default behaviour
	// so tests can inject store failures.
	CreateFn func(ctx context.Context, t *Task) error
	GetFn    func(ctx context.Context, id uuid.UUID) (*Task, error)
	ApplyFn  func(ctx context.Context, id uuid.UUID, tr Transition) (*Task, bool, error)
}

type usageEntry struct {
	ownerID   int64
	kind      string
	createdAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uuid.UUID]*Task),
		usage: make(map[uuid.UUID]usageEntry),
		now:   time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.usage[t.ID] = usageEntry{ownerID: t.OwnerID, kind: t.Kind, createdAt: t.CreatedAt}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListByOwner implements Store.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, id uuid.UUID, tr Transition) (*Task, bool, error) {
	if s.ApplyFn != nil {
		return s.ApplyFn(ctx, id, tr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	next, applied := Apply(*current, tr, s.now())
	if applied {
		s.tasks[id] = next.Clone()
	}
	return next.Clone(), applied, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.usage, id)
	return nil
}

// CountCreatedSince implements Store.
func (s *MemoryStore) CountCreatedSince(ctx context.Context, ownerID int64, kind string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, u := range s.usage {
		if u.ownerID == ownerID && u.kind == kind && !u.createdAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeleteTerminalBefore implements Store.
func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// SetClock overrides the time source used for UpdatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
