package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/pkg/util"
)

const secret = "test-secret-0123456789"

type fakeController struct {
	running bool
	calls   []bool
}

func (f *fakeController) SetTriggered(_ context.Context, on bool) error {
	f.calls = append(f.calls, on)
	f.running = on
	return nil
}

func (f *fakeController) Running() bool { return f.running }

type testEnv struct {
	router *Router
	mem    *docstore.Memory
	repo   *repository.TaskRepository
	ctrl   *fakeController
	token  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := util.HashPassword("hunter22")
	require.NoError(t, err)
	mem := docstore.NewMemory()
	repo := repository.NewTaskRepository(mem)
	ctrl := &fakeController{}
	router := NewRouter(Deps{
		Repo:       repo,
		Controller: ctrl,
		Auth:       AuthConfig{Username: "owner", PasswordHash: hash, JWTSecret: secret, TokenTTL: time.Hour},
		Logger:     zap.NewNop(),
		Ready:      mem.Ping,
	})
	token, err := util.GenerateJWT("owner", secret, time.Hour)
	require.NoError(t, err)
	return &testEnv{router: router, mem: mem, repo: repo, ctrl: ctrl, token: token}
}

func (e *testEnv) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	env := newEnv(t)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "", false).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "", false).Code)

	w := env.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}

func TestReadyzReportsFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{
		Repo:       repository.NewTaskRepository(docstore.NewMemory()),
		Controller: &fakeController{},
		Ready:      func(context.Context) error { return errors.New("db down") },
	})
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogin(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodPost, "/login", `{"username":"owner","password":"hunter22"}`, false)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct{ Token string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	sub, err := util.ParseJWT(resp.Token, secret)
	require.NoError(t, err)
	assert.Equal(t, "owner", sub)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/login", `{"username":"owner","password":"nope"}`, false).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/login", `{}`, false).Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/tasks", "", false).Code)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	env.router.Engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestControl(t *testing.T) {
	env := newEnv(t)

	w := env.do(http.MethodPut, "/control", `{"triggered":true}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{true}, env.ctrl.calls)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/control", `{}`, true).Code)

	require.NoError(t, env.repo.UpdateControl(context.Background(), docstore.Update{model.ControlFeedPosition: int64(7)}))
	w = env.do(http.MethodGet, "/control", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp controlResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Running)
	assert.Equal(t, int64(7), resp.FeedPosition)
}

func TestIngestTagsExternalOrigin(t *testing.T) {
	env := newEnv(t)

	body := `{"emailId":"m1","subject":"Report due","sender":"boss@example.com","body":"<p>Please send it</p>"}`
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/documents", body, true).Code)
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/documents", body, true).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/documents", `{"subject":"x"}`, true).Code)

	changes := env.mem.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, docstore.OriginExternal, changes[0].Origin)
	assert.False(t, changes[0].Processed)
}

func TestTaskLifecycle(t *testing.T) {
	env := newEnv(t)
	deadline := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.mem.InsertOne(context.Background(), &model.TaskDocument{
		EmailID: "m1", Processed: true, HasTask: true, Task: "Send report", Urgency: model.NotUrgent, Deadline: &deadline,
	}))
	require.NoError(t, env.mem.InsertOne(context.Background(), &model.TaskDocument{EmailID: "m2", Processed: true}))

	w := env.do(http.MethodGet, "/tasks", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct{ Tasks []model.TaskDocument }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "m1", list.Tasks[0].EmailID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/tasks?urgency=whenever", "", true).Code)

	w = env.do(http.MethodPatch, "/tasks/m1", `{"urgency":"Urgent","deadline":"2024-05-08"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	doc, err := env.repo.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Urgent, doc.Urgency)
	assert.Equal(t, time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC), *doc.Deadline)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPatch, "/tasks/m1", `{"urgency":"soon"}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPatch, "/tasks/m1", `{}`, true).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPatch, "/tasks/m2", `{"completed":true}`, true).Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodPatch, "/tasks/m1", `{"completed":true,"deadline":""}`, true).Code)
	doc, err = env.repo.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, doc.Completed)
	assert.Nil(t, doc.Deadline)

	for _, c := range env.mem.Changes() {
		if c.EmailID == "m1" && c.Op == "update" {
			assert.Equal(t, docstore.OriginUser, c.Origin)
		}
	}

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/tasks/m1", "", true).Code)
	doc, err = env.repo.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, doc.Processed)
	assert.False(t, doc.HasTask)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/tasks/missing", "", true).Code)
}
