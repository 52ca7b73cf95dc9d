package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/banksync/internal/api/middleware"
	"github.com/phrazzld/banksync/internal/api/shared"
	"github.com/phrazzld/banksync/internal/config"
	"github.com/phrazzld/banksync/internal/dispatch"
	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/plan"
	"github.com/phrazzld/banksync/internal/platform/redis"
	"github.com/phrazzld/banksync/internal/reconcile"
	"github.com/phrazzld/banksync/internal/relay"
	"github.com/phrazzld/banksync/internal/service"
	"github.com/phrazzld/banksync/internal/service/auth"
	"github.com/phrazzld/banksync/internal/task"
)

var testKeys = task.Keys{}

type testServer struct {
	*httptest.Server
	jwt  auth.JWTService
	mr   *miniredis.Miniredis
	loop *reconcile.Loop
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	mr := miniredis.RunT(t)
	broker, err := redis.Connect(ctx, redis.Config{URL: "redis://" + mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	store := task.NewMemoryStore()
	catalog := plan.NewCatalog(config.PlansConfig{
		DefaultPlan: "basic",
		Catalog: map[string]config.PlanConfig{
			"basic": {Features: map[string]int{"bank-x": 2}},
		},
	}, store)

	hub := relay.NewHub(store, 0, logger)
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(hub)
	recorder, err := events.NewRecorder(store, emitter, logger)
	require.NoError(t, err)

	svc, err := service.NewTaskService(store, catalog, dispatch.NewDispatcher(broker, testKeys, logger), nil, recorder, logger)
	require.NoError(t, err)

	loop, err := reconcile.NewLoop(store, broker, recorder, testKeys, reconcile.Config{}, logger)
	require.NoError(t, err)

	jwtService, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            "test-jwt-secret-that-is-32-chars-long",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Route("/api", func(r chi.Router) {
		NewTaskHandler(svc, hub, 48*time.Hour).Register(r, middleware.NewAuthMiddleware(jwtService))
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, jwt: jwtService, mr: mr, loop: loop}
}

func (s *testServer) token(t *testing.T, ownerID int64, role string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(context.Background(), ownerID, role)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createBody() map[string]any {
	return map[string]any{
		"kind":        "bank-x",
		"credentials": map[string]string{"rut": "11111111-1", "password": "secret-pw"},
		"extra":       map[string]string{"site": "personas"},
	}
}

func (s *testServer) createTask(t *testing.T, token string) TaskResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/tasks", token, createBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[TaskResponse](t, resp)
}

func (s *testServer) finish(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, s.mr.Set(testKeys.Response("11111111-1", "bank-x"), payload))
	s.loop.Tick(context.Background())
}

func TestCreateTask(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)

	t.Run("returns processing task", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/tasks", owner, createBody())
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret-pw")
		assert.NotContains(t, string(raw), "11111111-1")

		var got TaskResponse
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "processing", got.Status)
		assert.Equal(t, "bank-x", got.Kind)
		assert.Equal(t, 0, got.Progress)
		_, err = uuid.Parse(got.ID)
		assert.NoError(t, err)
	})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", `{"kind":`, http.StatusBadRequest},
		{"unknown field", `{"kind":"bank-x","owner_id":9}`, http.StatusBadRequest},
		{"missing kind", map[string]any{"credentials": map[string]string{"rut": "1-9", "password": "pw"}}, http.StatusBadRequest},
		{"missing password", map[string]any{"kind": "bank-x", "credentials": map[string]string{"rut": "1-9"}}, http.StatusBadRequest},
		{"missing identity", map[string]any{"kind": "bank-x", "credentials": map[string]string{"password": "pw"}}, http.StatusBadRequest},
		{"kind not in plan", map[string]any{"kind": "bank-y", "credentials": map[string]string{"rut": "1-9", "password": "pw"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/tasks", owner, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[shared.ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
			assert.NotEmpty(t, body.TraceID)
		})
	}

	t.Run("quota exceeded", func(t *testing.T) {
		quotaOwner := s.token(t, 30, auth.RoleOwner)
		s.createTask(t, quotaOwner)
		s.createTask(t, quotaOwner)

		resp := s.do(t, http.MethodPost, "/api/tasks", quotaOwner, createBody())
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

		list := decode[TaskListResponse](t, s.do(t, http.MethodGet, "/api/tasks", quotaOwner, nil))
		assert.Len(t, list.Tasks, 2)
	})
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/tasks", "/api/tasks/stats", "/api/tasks/" + uuid.NewString()} {
		resp := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp := s.do(t, http.MethodGet, "/api/tasks", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetAndListTasks(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)
	other := s.token(t, 8, auth.RoleOwner)

	created := s.createTask(t, owner)

	resp := s.do(t, http.MethodGet, "/api/tasks/"+created.ID, owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[TaskResponse](t, resp).ID)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/tasks/"+created.ID, other, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/tasks/"+uuid.NewString(), owner, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/tasks/not-a-uuid", owner, nil).StatusCode)

	s.finish(t, `{"success":true,"data":{"accounts":[{"number":"123"}]}}`)

	list := decode[TaskListResponse](t, s.do(t, http.MethodGet, "/api/tasks", owner, nil))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "completed", list.Tasks[0].Status)
	assert.Equal(t, 100, list.Tasks[0].Progress)
	assert.JSONEq(t, `{"accounts":[{"number":"123"}]}`, string(list.Tasks[0].Result))

	empty := decode[TaskListResponse](t, s.do(t, http.MethodGet, "/api/tasks", other, nil))
	assert.NotNil(t, empty.Tasks)
	assert.Empty(t, empty.Tasks)
}

func TestCancelTask(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)
	created := s.createTask(t, owner)

	resp := s.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", owner, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, service.CancelRequested, decode[CancelResponse](t, resp).Message)

	s.finish(t, `{"success":false,"message":"invalid credentials"}`)

	resp = s.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", owner, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "cannot cancel: task already finished", decode[shared.ErrorResponse](t, resp).Error)

	got := decode[TaskResponse](t, s.do(t, http.MethodGet, "/api/tasks/"+created.ID, owner, nil))
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "invalid credentials", got.Error)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)
	s.createTask(t, owner)

	resp := s.do(t, http.MethodGet, "/api/tasks/stats", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[service.Stats](t, resp)
	assert.Equal(t, 1, stats.Total)
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Counts[task.StatusProcessing])
}

func TestCleanupTasks(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)
	admin := s.token(t, 1, auth.RoleAdmin)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/admin/tasks/cleanup", owner, nil).StatusCode)

	resp := s.do(t, http.MethodPost, "/api/admin/tasks/cleanup", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[CleanupResponse](t, resp).Removed)

	resp = s.do(t, http.MethodPost, "/api/admin/tasks/cleanup", admin, CleanupRequest{MaxAge: "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/admin/tasks/cleanup", admin, CleanupRequest{MaxAge: "72h"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchTask(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, 7, auth.RoleOwner)
	created := s.createTask(t, owner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/tasks/" + created.ID + "/watch"

	t.Run("other owner is rejected before upgrade", func(t *testing.T) {
		other := s.token(t, 8, auth.RoleOwner)
		_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + other}},
		})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + owner}},
	})
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	var first task.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, task.StatusProcessing, first.Status)

	s.finish(t, `{"success":true,"data":{"accounts":[]}}`)

	var last task.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &last))
	assert.Equal(t, task.StatusCompleted, last.Status)
	assert.Greater(t, last.Version, first.Version)

	var extra task.Snapshot
	err = wsjson.Read(ctx, conn, &extra)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	t.Run("late observer gets the terminal snapshot", func(t *testing.T) {
		late, _, err := websocket.Dial(ctx, wsURL+"?access_token="+owner, nil)
		require.NoError(t, err)
		defer func() { _ = late.CloseNow() }()

		var snap task.Snapshot
		require.NoError(t, wsjson.Read(ctx, late, &snap))
		assert.Equal(t, task.StatusCompleted, snap.Status)
		assert.Equal(t, last.Version, snap.Version)
	})
}
