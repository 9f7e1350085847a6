package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-gate/pkg/database"
	"batch-gate/pkg/handler"
	"batch-gate/pkg/job"
)

type fakeQueues struct {
	mu     sync.Mutex
	states map[string]job.QueueState
}

func (f *fakeQueues) GetJobQueue(ctx context.Context, queue string) (job.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[queue]
	if !ok {
		return job.Queue{}, fmt.Errorf("%w: %s", database.ErrQueueNotFound, queue)
	}
	return job.Queue{Name: queue, State: st}, nil
}

func (f *fakeQueues) UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[queue]; !ok {
		return fmt.Errorf("%w: %s", database.ErrQueueNotFound, queue)
	}
	f.states[queue] = state
	return nil
}

func (f *fakeQueues) SubmitJob(ctx context.Context, req job.SubmissionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[req.JobQueue] != job.QueueEnabled {
		return "", database.ErrQueueDisabled
	}
	return "job-1", nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*database.Job
}

func (f *fakeJobs) GetJob(ctx context.Context, id string) (*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) UpdateJobStatus(ctx context.Context, id string, status job.Status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return database.ErrStatusTransitionDenied
	}
	j.Status, j.StatusReason = status, reason
	return nil
}

func stateOf(t *testing.T, f *fakeQueues, name string) job.QueueState {
	t.Helper()
	q, err := f.GetJobQueue(context.Background(), name)
	require.NoError(t, err)
	return q.State
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeQueues, *fakeJobs) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queues := &fakeQueues{states: map[string]job.QueueState{"ResearchQueue": job.QueueEnabled}}
	jobs := &fakeJobs{jobs: map[string]*database.Job{"j-1": {ID: "j-1", Name: "report_txt", Status: job.StatusRunning}}}
	sub := handler.NewSubmitter(queues, handler.SubmitterConfig{JobDefinition: "word-count:1", JobQueue: "ResearchQueue", OutputBucket: "out-bucket"}, logger)

	adm := handler.NewAdmissionController(queues, handler.AdmissionConfig{JobQueue: "ResearchQueue", Attempts: 1}, logger)

	s := &server{
		queues:   queues,
		jobs:     jobs,
		arrivals: submitterSink{submitter: sub},
		alerts:   admissionSink{controller: adm, queue: "ResearchQueue"},
		logger:   logger,
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, queues, jobs
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestQueueEndpoints(t *testing.T) {
	ts, queues, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/queues/ResearchQueue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var q job.Queue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&q))
	assert.Equal(t, job.QueueEnabled, q.State)

	resp = do(t, http.MethodPut, ts.URL+"/queues/ResearchQueue/state", `{"state":"DISABLED"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.QueueDisabled, stateOf(t, queues, "ResearchQueue"))

	resp = do(t, http.MethodPut, ts.URL+"/queues/ResearchQueue/state", `{"state":"ENABLED"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.QueueEnabled, stateOf(t, queues, "ResearchQueue"))

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, ts.URL+"/queues/ResearchQueue/state", `{"state":"PAUSED"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/queues/missing", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPut, ts.URL+"/queues/missing/state", `{"state":"ENABLED"}`).StatusCode)
}

func TestJobEndpoints(t *testing.T) {
	ts, _, jobs := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/jobs/j-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/jobs/j-1/status", `{"status":"FAILED","reason":"exit 1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	j, err := jobs.GetJob(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "exit 1", j.StatusReason)

	assert.Equal(t, http.StatusConflict, do(t, http.MethodPost, ts.URL+"/jobs/j-1/status", `{"status":"SUCCEEDED"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/jobs/j-1/status", `{"status":"DONE"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/jobs/missing", "").StatusCode)
}

func TestJobEndpoints_NotAvailableWithoutStore(t *testing.T) {
	s := &server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	assert.Equal(t, http.StatusNotImplemented, do(t, http.MethodGet, ts.URL+"/jobs/j-1", "").StatusCode)
}

func TestArrivalEndpoint(t *testing.T) {
	ts, queues, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/arrivals", `{"bucket":"in-bucket","key":"report.txt"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		Arrivals []map[string]any `json:"arrivals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Arrivals, 1)
	assert.Equal(t, "report_txt", out.Arrivals[0]["job_name"])
	assert.Equal(t, true, out.Arrivals[0]["accepted"])
	assert.Equal(t, "job-1", out.Arrivals[0]["job_id"])

	require.NoError(t, queues.UpdateJobQueue(context.Background(), "ResearchQueue", job.QueueDisabled))
	resp = do(t, http.MethodPost, ts.URL+"/arrivals", `{"bucket":"in-bucket","key":"late.csv"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out.Arrivals = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, false, out.Arrivals[0]["accepted"])

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/arrivals", `{"bucket":"in-bucket"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/arrivals", `nope`).StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, ts.URL+"/health", "").StatusCode)
}

func TestBudgetAlertEndpoint(t *testing.T) {
	ts, queues, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, ts.URL+"/budget-alerts", "   ").StatusCode)
	assert.Equal(t, job.QueueEnabled, stateOf(t, queues, "ResearchQueue"))

	resp := do(t, http.MethodPost, ts.URL+"/budget-alerts", "AWS Budget Notification: actual spend exceeded 95% of $5")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "DISABLED", out["state"])
	assert.Equal(t, job.QueueDisabled, stateOf(t, queues, "ResearchQueue"))

	envelope := `{"Type":"Notification","Message":"budget exceeded again","Timestamp":"2024-05-01T10:00:00Z"}`
	assert.Equal(t, http.StatusAccepted, do(t, http.MethodPost, ts.URL+"/budget-alerts", envelope).StatusCode)
	assert.Equal(t, job.QueueDisabled, stateOf(t, queues, "ResearchQueue"))

	resp = do(t, http.MethodPost, ts.URL+"/arrivals", `{"bucket":"in-bucket","key":"after-alert.csv"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var arr struct {
		Arrivals []map[string]any `json:"arrivals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&arr))
	assert.Equal(t, false, arr.Arrivals[0]["accepted"])
}
