package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/banksync/internal/platform/logger"
	"github.com/phrazzld/banksync/internal/store"
	"github.com/phrazzld/banksync/internal/task"
)

const taskColumns = `id, owner_id, kind, slot_identity, status, progress, message, result, error, version, created_at, updated_at`

// TaskStore implements task.Store using PostgreSQL.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create implements task.Store. The task row and its usage row are
// written in one transaction.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query,
			t.ID,
			t.OwnerID,
			t.Kind,
			t.Identity,
			string(t.Status),
			t.Progress,
			t.Message,
			nullJSON(t.Result),
			t.Error,
			t.Version,
			t.CreatedAt.UTC(),
			t.UpdatedAt.UTC(),
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_usage (task_id, owner_id, kind, created_at) VALUES ($1, $2, $3, $4)`,
			t.ID, t.OwnerID, t.Kind, t.CreatedAt.UTC())
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to save task",
			"task_id", t.ID,
			"kind", t.Kind,
			"error", err)
		return store.NewStoreError("task", "create", MapError(err))
	}
	return nil
}

// Get implements task.Store.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return getTask(ctx, s.db, id, false)
}

// ListByOwner implements task.Store.
func (s *TaskStore) ListByOwner(ctx context.Context, ownerID int64) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC`
	return queryTasks(ctx, s.db, query, ownerID)
}

// ListByStatus implements task.Store.
func (s *TaskStore) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`
	return queryTasks(ctx, s.db, query, string(status))
}

// Apply implements task.Store. The row is locked for the duration of the
// transaction so concurrent writers serialize on it and only the first
// terminal transition takes effect.
func (s *TaskStore) Apply(ctx context.Context, id uuid.UUID, tr task.Transition) (*task.Task, bool, error) {
	var (
		result  *task.Task
		applied bool
	)

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := getTask(ctx, tx, id, true)
		if err != nil {
			return err
		}

		next, ok := task.Apply(*current, tr, s.now())
		result, applied = &next, ok
		if !ok {
			return nil
		}

		query := `
			UPDATE tasks
			SET status = $1, progress = $2, message = $3, result = $4, error = $5,
				version = $6, updated_at = $7
			WHERE id = $8 AND version = $9
		`
		res, err := tx.ExecContext(ctx, query,
			string(next.Status),
			next.Progress,
			next.Message,
			nullJSON(next.Result),
			next.Error,
			next.Version,
			next.UpdatedAt,
			id,
			current.Version,
		)
		if err != nil {
			return store.NewStoreError("task", "apply", MapError(err))
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return store.NewStoreError("task", "apply", fmt.Errorf("version %d changed underneath the lock", current.Version))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// Delete implements task.Store.
func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_usage WHERE task_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return store.NewStoreError("task", "delete", MapError(err))
	}
	return nil
}

// CountCreatedSince implements task.Store.
func (s *TaskStore) CountCreatedSince(ctx context.Context, ownerID int64, kind string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM task_usage WHERE owner_id = $1 AND kind = $2 AND created_at >= $3`

	var count int
	if err := s.db.QueryRowContext(ctx, query, ownerID, kind, since.UTC()).Scan(&count); err != nil {
		return 0, store.NewStoreError("task", "count", MapError(err))
	}
	return count, nil
}

// DeleteTerminalBefore implements task.Store. task_usage is left alone.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1
	`
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, store.NewStoreError("task", "cleanup", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// SetClock overrides the time source used for UpdatedAt.
func (s *TaskStore) SetClock(now func() time.Time) {
	s.now = now
}

func getTask(ctx context.Context, q store.DBTX, id uuid.UUID, forUpdate bool) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "get", MapError(err))
	}
	return t, nil
}

func queryTasks(ctx context.Context, q store.DBTX, query string, args ...any) ([]*task.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStoreError("task", "list", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.NewStoreError("task", "list", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task", "list", MapError(err))
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t      task.Task
		status string
		result []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Kind,
		&t.Identity,
		&status,
		&t.Progress,
		&t.Message,
		&result,
		&t.Error,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	if len(result) > 0 {
		t.Result = result
	}
	return &t, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
