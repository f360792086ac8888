package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/tbench-runner/internal/dispatch"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *Server
	store  *taskstore.Store
	queue  *jobqueue.Queue
	bus    *events.Bus
	obs    *observer.Observer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := taskstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := jobqueue.New(store.DB())
	require.NoError(t, err)

	bus := events.NewBus(64)
	obs := observer.New(time.Hour)
	orch := orchestrator.New(store, dispatch.New(dispatch.Config{BatchSize: 2, BatchDelay: time.Second}, q), orchestrator.Config{
		MaxRunsPerTask: 100,
		MaxUploadSize:  1 << 20,
		UploadDir:      t.TempDir(),
		DefaultModel:   "openai/gpt-4o",
		DefaultAgent:   "terminus-2",
	}, orchestrator.WithEvents(bus))

	srv := NewServer(Config{MaxUploadSize: 1 << 20}, orch, bus, WithQueue(q), WithObserver(obs))
	return &fixture{server: srv, store: store, queue: q, bus: bus, obs: obs}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) upload(t *testing.T, filename string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	fw.Write([]byte("PK\x03\x04fake"))
	require.NoError(t, mw.Close())

	return f.do(t, http.MethodPost, "/api/tasks", &buf, mw.FormDataContentType())
}

func (f *fixture) createTask(t *testing.T, runs int) TaskResponse {
	t.Helper()
	w := f.upload(t, "hello-world.zip", map[string]string{"name": "hello", "num_runs": fmt.Sprint(runs)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var task TaskResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&task))
	return task
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthAndCatalog(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])

	w = f.do(t, http.MethodGet, "/api/models", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.ModelInfo](t, w), len(domain.AvailableModels))

	w = f.do(t, http.MethodGet, "/api/agents", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.AgentInfo](t, w), len(domain.AvailableAgents))
}

func TestCreateTaskHandler(t *testing.T) {
	f := newFixture(t)

	task := f.createTask(t, 3)
	assert.Equal(t, "hello", task.Name)
	assert.Equal(t, 3, task.NumRuns)
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, "terminus-2", task.Agent)
	assert.Equal(t, "openai/gpt-4o", task.Model)
	assert.Equal(t, "hello-world.zip", task.OriginalFilename)
}

func TestCreateTaskHandler_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		filename string
		fields   map[string]string
	}{
		{"not a zip", "task.tar", map[string]string{"name": "x", "num_runs": "1"}},
		{"missing name", "task.zip", map[string]string{"num_runs": "1"}},
		{"too many runs", "task.zip", map[string]string{"name": "x", "num_runs": "101"}},
		{"zero runs", "task.zip", map[string]string{"name": "x", "num_runs": "0"}},
		{"non-numeric runs", "task.zip", map[string]string{"name": "x", "num_runs": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.upload(t, tt.filename, tt.fields)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := f.do(t, http.MethodPost, "/api/tasks", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasksHandler(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, 1)
	f.createTask(t, 2)

	w := f.do(t, http.MethodGet, "/api/tasks", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]TaskResponse](t, w), 2)

	w = f.do(t, http.MethodGet, "/api/tasks?limit=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]TaskResponse](t, w), 1)

	w = f.do(t, http.MethodGet, "/api/tasks?status=running", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]TaskResponse](t, w))

	w = f.do(t, http.MethodGet, "/api/tasks?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, 3)
	base := fmt.Sprintf("/api/tasks/%d", task.ID)

	// start
	w := f.do(t, http.MethodPost, base+"/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	start := decode[StartResponse](t, w)
	assert.Equal(t, "running", start.Task.Status)
	assert.Equal(t, 3, start.Enqueued)
	assert.Empty(t, start.FailedRunIDs)
	assert.Equal(t, "1s", start.Stagger)

	// starting twice conflicts
	w = f.do(t, http.MethodPost, base+"/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// retry only applies to finished tasks
	w = f.do(t, http.MethodPost, base+"/retry", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// detail lists the runs
	w = f.do(t, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[TaskDetailResponse](t, w)
	assert.Equal(t, task.ID, detail.ID)
	require.Len(t, detail.Runs, 3)
	assert.Equal(t, "pending", detail.Runs[0].Status)

	w = f.do(t, http.MethodGet, base+"/runs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]RunResponse](t, w)
	require.Len(t, runs, 3)

	// redispatch leaves runs that are already queued alone
	w = f.do(t, http.MethodPost, base+"/redispatch", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[RedispatchResponse](t, w).Enqueued)

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, depth.Total())

	// delete
	w = f.do(t, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedispatch_RequiresRunningTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, 1)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/redispatch", task.ID), nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunHandlers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.createTask(t, 1)
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/start", task.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	runs, err := f.store.ListRuns(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runID := runs[0].ID

	require.NoError(t, f.store.StartRun(ctx, runID, time.Now().UTC()))
	require.NoError(t, f.store.FinishRun(ctx, runID, taskstore.RunResult{
		Status:      domain.RunPassed,
		TestsTotal:  1,
		TestsPassed: 1,
		Logs:        "all good",
	}, time.Now().UTC()))

	runPath := fmt.Sprintf("/api/tasks/%d/runs/%d", task.ID, runID)

	w = f.do(t, http.MethodGet, runPath, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[RunResponse](t, w)
	assert.Equal(t, "passed", run.Status)
	assert.Equal(t, "all good", run.Logs)

	w = f.do(t, http.MethodGet, runPath+"/logs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "all good", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	// run list omits logs
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/runs", task.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]RunResponse](t, w)[0].Logs)

	// a run looked up under the wrong task does not exist
	other := f.createTask(t, 1)
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/runs/%d", other.ID, runID), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/tasks/999", http.StatusNotFound},
		{http.MethodPost, "/api/tasks/999/start", http.StatusNotFound},
		{http.MethodPost, "/api/tasks/999/retry", http.StatusNotFound},
		{http.MethodDelete, "/api/tasks/999", http.StatusNotFound},
		{http.MethodGet, "/api/tasks/999/runs", http.StatusNotFound},
		{http.MethodGet, "/api/tasks/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/tasks/1/runs/xyz", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, nil, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestStatsHandler(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, 2)
	f.createTask(t, 1)
	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/start", task.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	f.obs.RecordCompletion(task.ID, 1, domain.RunPassed, time.Second)

	w = f.do(t, http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[StatsResponse](t, w)

	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.Tasks["running"])
	assert.Equal(t, 1, stats.Tasks["pending"])
	assert.Equal(t, 2, stats.Runs["pending"])
	require.NotNil(t, stats.Queue)
	assert.Equal(t, 2, stats.Queue.Total())
	require.NotNil(t, stats.Worker)
	assert.Equal(t, 1, stats.Worker.TotalPassed)
}

func TestSSEHandler(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.bus.Publish(events.Event{Type: events.TaskCreated, TaskID: 42, Status: "pending"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: task.created\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &e))
	assert.Equal(t, int64(42), e.TaskID)
}

func TestWebSocketHandler(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.bus.Publish(events.Event{Type: events.RunFinished, TaskID: 7, RunID: 9, Status: "passed"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.RunFinished, e.Type)
	assert.Equal(t, int64(9), e.RunID)
	assert.Equal(t, "passed", e.Status)
}
