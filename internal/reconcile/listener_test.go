package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/banksync/internal/task"
)

func newTestListener(h *harness) *Listener {
	return NewListener(h.broker, h.store, h.recorder, h.loop, keys, []string{"bank-x"}, discardLogger())
}

func TestListener_Handle(t *testing.T) {
	h := newHarness(t, Config{})
	l := newTestListener(h)
	ctx := context.Background()
	tk := h.processing(t, "alice")

	t.Run("progress", func(t *testing.T) {
		payload := `{"task_id":"` + tk.ID.String() + `","progress":40,"message":"Fetching movements"}`
		require.NoError(t, l.Handle(ctx, []byte(payload)))

		got := h.get(t, tk.ID)
		assert.Equal(t, task.StatusProcessing, got.Status)
		assert.Equal(t, 40, got.Progress)
		assert.Equal(t, "Fetching movements", got.Message)
	})

	t.Run("final triggers reconciliation", func(t *testing.T) {
		h.writeSlot(t, "alice", `{"success":true,"data":{"ok":true}}`)
		payload, err := json.Marshal(WorkerEvent{TaskID: tk.ID, Final: true})
		require.NoError(t, err)

		require.NoError(t, l.Handle(ctx, payload))
		assert.Equal(t, task.StatusCompleted, h.get(t, tk.ID).Status)
	})

	t.Run("progress after terminal is ignored", func(t *testing.T) {
		before := h.get(t, tk.ID)
		payload := `{"task_id":"` + tk.ID.String() + `","progress":10}`
		require.NoError(t, l.Handle(ctx, []byte(payload)))
		assert.Equal(t, before, h.get(t, tk.ID))
	})

	t.Run("bad payloads", func(t *testing.T) {
		assert.Error(t, l.Handle(ctx, []byte(`not json`)))
		assert.Error(t, l.Handle(ctx, []byte(`{"progress":10}`)))
		assert.ErrorIs(t, l.Handle(ctx, []byte(`{"task_id":"`+uuid.NewString()+`","progress":10}`)), task.ErrNotFound)
	})
}

func TestListener_Run(t *testing.T) {
	h := newHarness(t, Config{})
	l := newTestListener(h)
	tk := h.processing(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, ready) }()
	<-ready

	h.writeSlot(t, "alice", `{"success":false,"message":"site unavailable"}`)
	require.NoError(t, h.broker.Publish(ctx, keys.Events("bank-x"),
		[]byte(`{"task_id":"`+tk.ID.String()+`","final":true}`)))

	require.Eventually(t, func() bool {
		return h.get(t, tk.ID).Status == task.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "site unavailable", h.get(t, tk.ID).Error)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
