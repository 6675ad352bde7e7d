package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"agent-provisioner/pkg/errutil"
	"agent-provisioner/pkg/metrics"
	"agent-provisioner/pkg/middleware"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/ledger"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"
	"agent-provisioner/services/steplog"
	"agent-provisioner/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type fakeApplier struct {
	got pipeline.TemplateChange
	ids []string
	err error
}

func (f *fakeApplier) ApplyTemplates(_ context.Context, change pipeline.TemplateChange) ([]string, error) {
	f.got = change
	return f.ids, f.err
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type harness struct {
	router    *gin.Engine
	batches   *batch.Service
	logs      *steplog.Service
	templates *fakeApplier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewTestDB(t, &batch.Batch{}, &queue.Task{}, &ledger.ResultRow{}, &steplog.Entry{})
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	batches := batch.NewService(batch.Params{DB: db, Node: node})
	h := &harness{
		batches:   batches,
		logs:      steplog.NewService(steplog.Params{DB: db}),
		templates: &fakeApplier{},
	}
	handler := NewHandler(Params{
		Batches:   batches,
		Queue:     queue.NewService(queue.Params{DB: db, Node: node}),
		Ledger:    ledger.NewService(ledger.Params{DB: db, Backfill: batches}),
		Logs:      h.logs,
		Templates: h.templates,
	})

	h.router = gin.New()
	h.router.Use(middleware.Error())
	Register(h.router, handler, metrics.NewRegistry())
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(method, path, &buf))

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func (h *harness) createBatch(t *testing.T) batch.Batch {
	t.Helper()
	code, env := h.do(t, http.MethodPost, "/api/batches", gin.H{
		"name":  "web",
		"hosts": []gin.H{{"ip": "10.0.0.1"}, {"ip": "10.0.0.2", "hostname": "web-02"}},
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, env.Code)

	var b batch.Batch
	require.NoError(t, json.Unmarshal(env.Data, &b))
	return b
}

func TestBatchLifecycle(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch(t)
	require.Len(t, b.Hosts, 2)

	code, env := h.do(t, http.MethodGet, "/api/batches/"+b.ID, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", env.Msg)

	code, env = h.do(t, http.MethodGet, "/api/batches/"+b.ID+"/results", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(env.Data))

	code, _ = h.do(t, http.MethodDelete, "/api/batches/"+b.ID, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = h.do(t, http.MethodGet, "/api/batches/"+b.ID, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, http.StatusNotFound, env.Code)
}

func TestBatchResponsesMaskPasswords(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, http.MethodPost, "/api/batches", gin.H{
		"name":  "secret",
		"hosts": []gin.H{{"ip": "10.0.0.1", "ssh_user": "ops", "ssh_password": "hunter2"}, {"ip": "10.0.0.2"}},
	})
	require.Equal(t, http.StatusOK, code)

	var created batch.Batch
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, "******", created.Hosts[0].SSHPassword)
	require.Empty(t, created.Hosts[1].SSHPassword)

	for _, path := range []string{"/api/batches/" + created.ID, "/api/batches?name=secret"} {
		code, env = h.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, code, path)
		require.NotContains(t, string(env.Data), "hunter2", path)

		var got batch.Batch
		require.NoError(t, json.Unmarshal(env.Data, &got))
		require.Equal(t, "******", got.Hosts[0].SSHPassword, path)
		require.Equal(t, "ops", got.Hosts[0].SSHUser, path)
	}

	stored, err := h.batches.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", stored.Hosts[0].SSHPassword)
}

func TestCreateBatchValidation(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/api/batches", gin.H{"name": "empty", "hosts": []gin.H{}})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, http.StatusBadRequest, env.Code)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/batches", bytes.NewBufferString("{")))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnqueueConflictAndCancel(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch(t)

	code, env := h.do(t, http.MethodPost, "/api/queues", gin.H{"batch_id": b.ID, "action": "install"})
	require.Equal(t, http.StatusOK, code)
	var task queue.Task
	require.NoError(t, json.Unmarshal(env.Data, &task))
	require.Equal(t, queue.StatusPending, task.Status)

	code, env = h.do(t, http.MethodPost, "/api/queues", gin.H{"batch_id": b.ID, "action": "uninstall"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "batch already has an active queue task", env.Msg)

	code, env = h.do(t, http.MethodGet, "/api/queues/active", nil)
	require.Equal(t, http.StatusOK, code)
	var active []queue.Task
	require.NoError(t, json.Unmarshal(env.Data, &active))
	require.Len(t, active, 1)

	code, env = h.do(t, http.MethodPost, "/api/queues/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"id":"`+task.ID+`","cancelled":true}`, string(env.Data))

	code, env = h.do(t, http.MethodGet, "/api/queues/"+task.ID, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &task))
	require.Equal(t, queue.StatusCancelled, task.Status)
}

func TestEnqueueUnknownBatch(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/queues", gin.H{"batch_id": "nope"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/api/queues/nope", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.logs.Add(ctx, steplog.Entry{TaskID: "t1", Step: "connect", Status: steplog.StatusOK, Address: "10.0.0.1"}))
	require.NoError(t, h.logs.Add(ctx, steplog.Entry{TaskID: "t1", Step: "extract", Status: steplog.StatusFailed, Address: "10.0.0.1"}))

	code, env := h.do(t, http.MethodGet, "/api/logs/t1", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []steplog.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)

	code, env = h.do(t, http.MethodGet, "/api/logs?ip=10.0.0.1", nil)
	require.Equal(t, http.StatusOK, code)
	var summaries []steplog.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, steplog.StatusFailed, summaries[0].Status)

	code, _ = h.do(t, http.MethodGet, "/api/logs?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestApplyTemplates(t *testing.T) {
	h := newHarness(t)
	h.templates.ids = []string{"1", "2"}

	code, env := h.do(t, http.MethodPost, "/api/templates", gin.H{"hostname": "web-01", "template_ids": []string{"2"}})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"template_ids":["1","2"]}`, string(env.Data))
	require.Equal(t, "web-01", h.templates.got.Hostname)

	h.templates.err = errutil.NotFound("host web-01 not found in inventory", nil)
	code, env = h.do(t, http.MethodPost, "/api/templates", gin.H{"hostname": "web-01"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "host web-01 not found in inventory", env.Msg)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, env.Code)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
