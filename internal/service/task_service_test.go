package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/banksync/internal/config"
	"github.com/phrazzld/banksync/internal/dispatch"
	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/plan"
	"github.com/phrazzld/banksync/internal/platform/redis"
	"github.com/phrazzld/banksync/internal/reconcile"
	"github.com/phrazzld/banksync/internal/relay"
	"github.com/phrazzld/banksync/internal/task"
)

var keys = task.Keys{}

var creds = task.Credentials{Rut: "11111111-1", Password: "secret-pw"}

type fakeLauncher struct {
	mu    sync.Mutex
	kinds []string
	err   error
}

func (l *fakeLauncher) Ensure(_ context.Context, kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, kind)
	return l.err
}

type harness struct {
	svc      *TaskService
	store    *task.MemoryStore
	catalog  *plan.Catalog
	mr       *miniredis.Miniredis
	hub      *relay.Hub
	loop     *reconcile.Loop
	launcher *fakeLauncher
	clock    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	mr := miniredis.RunT(t)
	broker, err := redis.Connect(ctx, redis.Config{URL: "redis://" + mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	h := &harness{
		store:    task.NewMemoryStore(),
		mr:       mr,
		launcher: &fakeLauncher{},
		clock:    &now,
	}
	clock := func() time.Time { return *h.clock }
	h.store.SetClock(clock)

	h.catalog = plan.NewCatalog(config.PlansConfig{
		DefaultPlan: "free",
		Catalog: map[string]config.PlanConfig{
			"free":  {Features: map[string]int{}},
			"basic": {Features: map[string]int{"bank-x": 3}},
			"pro":   {Features: map[string]int{"bank-x": 5, "bank-y": plan.Unlimited}},
		},
		Owners: map[string]string{"7": "basic", "8": "pro"},
	}, h.store)
	h.catalog.SetClock(clock)

	h.hub = relay.NewHub(h.store, 0, logger)
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(h.hub)
	recorder, err := events.NewRecorder(h.store, emitter, logger)
	require.NoError(t, err)

	h.svc, err = NewTaskService(h.store, h.catalog, dispatch.NewDispatcher(broker, keys, logger), h.launcher, recorder, logger)
	require.NoError(t, err)
	h.svc.SetClock(clock)

	h.loop, err = reconcile.NewLoop(h.store, broker, recorder, keys, reconcile.Config{}, logger)
	require.NoError(t, err)
	return h
}

func (h *harness) create(t *testing.T, ownerID int64) *task.Task {
	t.Helper()
	tk, err := h.svc.Create(context.Background(), CreateRequest{OwnerID: ownerID, Kind: "bank-x", Credentials: creds})
	require.NoError(t, err)
	return tk
}

func (h *harness) writeSlot(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, h.mr.Set(keys.Response(creds.Identity(), "bank-x"), payload))
}

func (h *harness) queued(t *testing.T, list string) []string {
	t.Helper()
	if !h.mr.Exists(list) {
		return nil
	}
	items, err := h.mr.List(list)
	require.NoError(t, err)
	return items
}

func TestNewTaskService_ValidatesDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewTaskService(nil, nil, nil, nil, nil, logger)
	assert.Error(t, err)
}

func TestCreate_ReturnsProcessingAndDispatches(t *testing.T) {
	h := newHarness(t)

	tk := h.create(t, 7)

	assert.Equal(t, task.StatusProcessing, tk.Status)
	assert.Equal(t, 0, tk.Progress)
	assert.Equal(t, int64(7), tk.OwnerID)
	assert.Equal(t, "11111111-1", tk.Identity)
	assert.Equal(t, []string{"bank-x"}, h.launcher.kinds)

	items := h.queued(t, keys.Queue("bank-x"))
	require.Len(t, items, 1)
	var env task.DispatchEnvelope
	require.NoError(t, json.Unmarshal([]byte(items[0]), &env))
	assert.Equal(t, tk.ID, env.TaskID)
	assert.Equal(t, creds, env.Credentials)

	stored, err := h.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, stored.Status)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-pw")
	assert.NotContains(t, string(raw), "11111111-1")
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing owner", CreateRequest{Kind: "bank-x", Credentials: creds}},
		{"missing kind", CreateRequest{OwnerID: 7, Credentials: creds}},
		{"missing password", CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: task.Credentials{Rut: "1-9"}}},
		{"missing identity", CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: task.Credentials{Password: "pw"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, task.ErrValidation)
		})
	}

	tasks, err := h.store.ListByOwner(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreate_AdmissionRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{OwnerID: 99, Kind: "bank-x", Credentials: creds})
	assert.ErrorIs(t, err, task.ErrPermissionDenied)

	_, err = h.svc.Create(ctx, CreateRequest{OwnerID: 7, Kind: "bank-y", Credentials: creds})
	assert.ErrorIs(t, err, task.ErrPermissionDenied)

	assert.Empty(t, h.queued(t, keys.Queue("bank-x")))
	assert.Empty(t, h.queued(t, keys.Queue("bank-y")))
	assert.Empty(t, h.launcher.kinds)
}

func TestCreate_QuotaExceededAndMonthlyReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	*h.clock = time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h.create(t, 8)
	}

	_, err := h.svc.Create(ctx, CreateRequest{OwnerID: 8, Kind: "bank-x", Credentials: creds})
	require.ErrorIs(t, err, task.ErrQuotaExceeded)

	tasks, err := h.store.ListByOwner(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, tasks, 5, "rejected call must not create a record")
	assert.Len(t, h.queued(t, keys.Queue("bank-x")), 5, "rejected call must not dispatch")

	*h.clock = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	tk := h.create(t, 8)
	assert.Equal(t, task.StatusProcessing, tk.Status)
}

func TestCreate_QuotaSurvivesRetention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	*h.clock = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		h.create(t, 7)
		h.writeSlot(t, `{"success":true,"data":{}}`)
		h.loop.Tick(ctx)
	}

	_, err := h.svc.Create(ctx, CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: creds})
	require.ErrorIs(t, err, task.ErrQuotaExceeded)

	*h.clock = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	removed, err := h.svc.Cleanup(ctx, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, err = h.svc.Create(ctx, CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: creds})
	assert.ErrorIs(t, err, task.ErrQuotaExceeded, "cleaned up tasks still count toward the month")

	*h.clock = time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)
	tk := h.create(t, 7)
	assert.Equal(t, task.StatusProcessing, tk.Status)
}

func TestCreate_UnlimitedKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.svc.Create(ctx, CreateRequest{OwnerID: 8, Kind: "bank-y", Credentials: creds})
		require.NoError(t, err)
	}
}

func TestCreate_RollsBackOnFailures(t *testing.T) {
	t.Run("enqueue failure", func(t *testing.T) {
		h := newHarness(t)
		h.mr.Close()

		_, err := h.svc.Create(context.Background(), CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: creds})
		require.ErrorIs(t, err, task.ErrInfrastructure)

		tasks, err := h.store.ListByOwner(context.Background(), 7)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		used, err := h.catalog.MonthlyUsage(context.Background(), 7, "bank-x")
		require.NoError(t, err)
		assert.Zero(t, used, "a rolled back create must not use quota")
	})

	t.Run("processing write failure retracts the envelope", func(t *testing.T) {
		h := newHarness(t)
		h.store.ApplyFn = func(context.Context, uuid.UUID, task.Transition) (*task.Task, bool, error) {
			return nil, false, errors.New("disk full")
		}

		_, err := h.svc.Create(context.Background(), CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: creds})
		require.ErrorIs(t, err, task.ErrInfrastructure)

		tasks, err := h.store.ListByOwner(context.Background(), 7)
		require.NoError(t, err)
		assert.Empty(t, tasks)
		assert.Empty(t, h.queued(t, keys.Queue("bank-x")))
	})

	t.Run("store create failure", func(t *testing.T) {
		h := newHarness(t)
		h.store.CreateFn = func(context.Context, *task.Task) error { return errors.New("connection refused") }

		_, err := h.svc.Create(context.Background(), CreateRequest{OwnerID: 7, Kind: "bank-x", Credentials: creds})
		require.ErrorIs(t, err, task.ErrInfrastructure)
		assert.Empty(t, h.queued(t, keys.Queue("bank-x")))
	})

	t.Run("launcher failure is not fatal", func(t *testing.T) {
		h := newHarness(t)
		h.launcher.err = errors.New("no such binary")

		tk := h.create(t, 7)
		assert.Equal(t, task.StatusProcessing, tk.Status)
	})
}

func TestReconciliationOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes the task", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)
		h.writeSlot(t, `{"success":true,"data":{"accounts":[{"number":"123"}]}}`)

		res := h.loop.Tick(ctx)
		assert.Equal(t, 1, res.Finished)

		got, err := h.svc.Get(ctx, 7, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"accounts":[{"number":"123"}]}`, string(got.Result))
		assert.False(t, h.mr.Exists(keys.Response(creds.Identity(), "bank-x")))
	})

	t.Run("failure records the message", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)
		h.writeSlot(t, `{"success":false,"message":"invalid credentials"}`)

		h.loop.Tick(ctx)

		got, err := h.svc.Get(ctx, 7, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, "invalid credentials", got.Error)
	})
}

func TestGetAndCancel_StoreFailureIsInfrastructure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tk := h.create(t, 7)

	h.store.GetFn = func(context.Context, uuid.UUID) (*task.Task, error) {
		return nil, errors.New("connection reset")
	}

	_, err := h.svc.Get(ctx, 7, tk.ID)
	assert.ErrorIs(t, err, task.ErrInfrastructure)

	_, err = h.svc.Cancel(ctx, 7, tk.ID)
	assert.ErrorIs(t, err, task.ErrInfrastructure)
	assert.Empty(t, h.queued(t, keys.Control("bank-x")))

	h.store.GetFn = nil
	_, err = h.svc.Get(ctx, 7, uuid.New())
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.NotErrorIs(t, err, task.ErrInfrastructure)
}

func TestGetAndList_OwnerScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, 7)
	*h.clock = h.clock.Add(time.Minute)
	second := h.create(t, 7)
	h.create(t, 8)

	_, err := h.svc.Get(ctx, 8, first.ID)
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = h.svc.Get(ctx, 7, uuid.New())
	assert.ErrorIs(t, err, task.ErrNotFound)

	tasks, err := h.svc.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)

	empty, err := h.svc.List(ctx, 42)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("processing task gets a control message", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)

		msg, err := h.svc.Cancel(ctx, 7, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelRequested, msg)

		items := h.queued(t, keys.Control("bank-x"))
		require.Len(t, items, 1)
		var control task.ControlMessage
		require.NoError(t, json.Unmarshal([]byte(items[0]), &control))
		assert.Equal(t, task.ControlCancel, control.Action)
		assert.Equal(t, tk.ID, control.TaskID)

		got, err := h.store.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusProcessing, got.Status, "cancel is fire-and-forget")

		h.writeSlot(t, `{"success":false,"cancelled":true}`)
		h.loop.Tick(ctx)
		got, err = h.store.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, got.Status)
	})

	t.Run("completed task is rejected without mutation", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)
		h.writeSlot(t, `{"success":true,"data":{}}`)
		h.loop.Tick(ctx)

		before, err := h.store.Get(ctx, tk.ID)
		require.NoError(t, err)

		_, err = h.svc.Cancel(ctx, 7, tk.ID)
		require.ErrorIs(t, err, task.ErrAlreadyTerminal)
		assert.Contains(t, err.Error(), "cannot cancel: task already finished")

		after, err := h.store.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Empty(t, h.queued(t, keys.Control("bank-x")))
	})

	t.Run("completion racing a cancel wins", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)

		h.writeSlot(t, `{"success":true,"data":{"n":1}}`)
		msg, err := h.svc.Cancel(ctx, 7, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelRequested, msg)

		h.loop.Tick(ctx)
		h.writeSlot(t, `{"success":false,"cancelled":true}`)
		h.loop.Tick(ctx)

		got, err := h.store.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
	})

	t.Run("other owner cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		tk := h.create(t, 7)

		_, err := h.svc.Cancel(ctx, 8, tk.ID)
		assert.ErrorIs(t, err, ErrNotOwned)
		assert.Empty(t, h.queued(t, keys.Control("bank-x")))
	})
}

func TestObserversReceiveTerminalOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tk := h.create(t, 7)

	early, err := h.hub.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	h.writeSlot(t, `{"success":true,"data":{"accounts":[]}}`)
	h.loop.Tick(ctx)
	h.loop.Tick(ctx)

	late, err := h.hub.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	for _, sub := range []*relay.Subscription{early, late} {
		terminal := 0
		for snap := range sub.Updates() {
			if snap.Status.IsTerminal() {
				terminal++
				assert.Equal(t, task.StatusCompleted, snap.Status)
			}
		}
		assert.Equal(t, 1, terminal)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.create(t, 8)
	h.writeSlot(t, `{"success":true,"data":{}}`)
	h.loop.Tick(ctx)
	h.create(t, 8)

	stats, err := h.svc.Stats(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Counts[task.StatusCompleted])
	assert.Equal(t, 1, stats.Counts[task.StatusProcessing])
	assert.Equal(t, 0, stats.Counts[task.StatusFailed])
	assert.True(t, stats.Running)
	require.NotNil(t, stats.LastCompletedAt)

	_, err = h.svc.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, task.ErrValidation)

	removed, err := h.svc.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	*h.clock = h.clock.Add(49 * time.Hour)
	removed, err = h.svc.Cleanup(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.svc.Get(ctx, 8, done.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}
