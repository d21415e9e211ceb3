package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/service"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

type fixture struct {
	store  storage.Store
	tasks  *service.TaskService
	dlq    *service.DeadLetterService
	server *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	tasks := service.NewTaskService(store, testLogger{}, 3)
	audit := service.NewAuditTrail(store, testLogger{})
	limiter := service.NewRateLimiter(store, testLogger{})
	dlq := service.NewDeadLetterService(store, tasks, testLogger{})

	ts := httptest.NewServer(NewServer(store, tasks, dlq, limiter, audit).Router())
	t.Cleanup(ts.Close)
	return &fixture{store: store, tasks: tasks, dlq: dlq, server: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	assert.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]interface{}
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	f := setup(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateRun(t *testing.T) {
	t.Run("AcceptedWithStatusURL", func(t *testing.T) {
		f := setup(t)
		resp, body := f.do(t, http.MethodPost, "/runs",
			`{"workflow_name": "outreach", "initial_context": {"recipient": "a@b.com"}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.NotEmpty(t, body["run_id"])
		assert.NotEmpty(t, body["task_id"])
		assert.Equal(t, fmt.Sprintf("/tasks/%s/status", body["task_id"]), body["status_url"])

		// The run is persisted but untouched; workers pick it up later.
		run, err := f.store.GetRun(body["run_id"].(string))
		assert.NoError(t, err)
		assert.Equal(t, models.PendingRunStatus, run.Status)
		assert.Equal(t, "a@b.com", run.Context["recipient"])
	})

	t.Run("MissingWorkflowName", func(t *testing.T) {
		f := setup(t)
		resp, body := f.do(t, http.MethodPost, "/runs", `{"initial_context": {}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "workflow_name")
	})

	t.Run("MalformedBody", func(t *testing.T) {
		f := setup(t)
		resp, _ := f.do(t, http.MethodPost, "/runs", `{not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetRun(t *testing.T) {
	f := setup(t)
	run, _, err := f.tasks.CreateRun("outreach", nil)
	assert.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/runs/"+run.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.ID, body["id"])
	assert.Equal(t, string(models.PendingRunStatus), body["status"])

	resp, _ = f.do(t, http.MethodGet, "/runs/no-such-run", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	f := setup(t)
	run, _, err := f.tasks.CreateRun("outreach", nil)
	assert.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancel_requested", body["status"])

	got, _ := f.store.GetRun(run.ID)
	assert.True(t, got.Cancelled)
}

func TestTaskStatus(t *testing.T) {
	f := setup(t)
	run, taskID, err := f.tasks.CreateRun("outreach", models.RunContext{"k": "v"})
	assert.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/tasks/"+taskID+"/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, taskID, body["task_id"])
	assert.Equal(t, string(models.PendingTaskStatus), body["status"])
	assert.NotContains(t, body, "result")

	// Once the task succeeds the final run context rides along as the result.
	task, err := f.store.GetTask(taskID)
	assert.NoError(t, err)
	assert.Equal(t, run.ID, task.RunID)
	task.Status = models.SuccessTaskStatus
	assert.NoError(t, f.store.UpdateTask(task))

	_, body = f.do(t, http.MethodGet, "/tasks/"+taskID+"/status", "")
	assert.Equal(t, string(models.SuccessTaskStatus), body["status"])
	result, ok := body["result"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "v", result["k"])

	resp, _ = f.do(t, http.MethodGet, "/tasks/no-such-task/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := setup(t)
	run, _, err := f.tasks.CreateRun("outreach", nil)
	assert.NoError(t, err)
	assert.NoError(t, f.store.UpdateRunStatus(run.ID, models.RunningRunStatus))
	assert.NoError(t, f.store.UpdateRunStatus(run.ID, models.FailedRunStatus))
	entryID, err := f.dlq.Store(run.ID, 1, errors.New("gmail 503"), 3)
	assert.NoError(t, err)

	t.Run("List", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/dead-letter?status=failed", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		entries := body["entries"].([]interface{})
		assert.Len(t, entries, 1)
		entry := entries[0].(map[string]interface{})
		assert.Equal(t, run.ID, entry["run_id"])
		assert.Equal(t, "gmail 503", entry["error_summary"])
	})

	t.Run("Retry", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/dead-letter/%d/retry", entryID), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "retry_queued", body["status"])
		assert.NotEmpty(t, body["new_task_id"])

		got, _ := f.store.GetRun(run.ID)
		assert.Equal(t, models.PendingRunStatus, got.Status)
	})

	t.Run("ResolveRequiresResolvedBy", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, fmt.Sprintf("/dead-letter/%d/resolve?notes=flake", entryID), "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Resolve", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost,
			fmt.Sprintf("/dead-letter/%d/resolve?notes=flake&resolved_by=casey", entryID), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "resolved", body["status"])

		entry, _ := f.store.GetDeadLetter(entryID)
		assert.Equal(t, models.ResolvedDeadLetterStatus, entry.Status)
	})

	t.Run("BadID", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/dead-letter/abc/retry", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownID", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/dead-letter/9999/retry", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestRateLimitEndpoint(t *testing.T) {
	f := setup(t)
	assert.NoError(t, f.store.SaveBucket(models.RateLimitBucket{
		Service:             "gmail",
		TokensAvailable:     3,
		Capacity:            10,
		RefillRatePerMinute: 1,
		LastRefillAt:        time.Now(),
	}))

	resp, body := f.do(t, http.MethodGet, "/rate-limits/gmail", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gmail", body["service"])
	assert.InDelta(t, 10, body["capacity"].(float64), 1e-9)
	assert.InDelta(t, 3, body["tokens_available"].(float64), 0.1)

	resp, _ = f.do(t, http.MethodGet, "/rate-limits/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
