package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/config"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/scheduler"
)

// fakeJobs is an in-memory JobService.
type fakeJobs struct {
	mu        sync.Mutex
	views     map[string]scheduler.StatusView
	artifacts map[string]string
	submitErr error
	resumeErr error
	codes     []string
	creds     []export.Credentials
	panicOn   string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		views:     make(map[string]scheduler.StatusView),
		artifacts: make(map[string]string),
	}
}

func (f *fakeJobs) Submit(_ context.Context, creds export.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if creds.Username == "" {
		return "", &export.ValidationError{Field: "username", Reason: "is required"}
	}
	f.creds = append(f.creds, creds)
	id := "job-" + creds.Username
	f.views[id] = scheduler.StatusView{JobID: id, Status: export.JobStatusPending, Message: "queued, position 1"}
	return id, nil
}

func (f *fakeJobs) Resume(_ context.Context, jobID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.codes = append(f.codes, code)
	v, ok := f.views[jobID]
	if !ok {
		return &export.NotFoundError{Kind: "job", ID: jobID}
	}
	v.Status = export.JobStatusCrawling
	v.Message = "verification accepted"
	f.views[jobID] = v
	return nil
}

func (f *fakeJobs) Status(_ context.Context, jobID string) (scheduler.StatusView, error) {
	if jobID == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[jobID]
	if !ok {
		return scheduler.StatusView{}, &export.NotFoundError{Kind: "job", ID: jobID}
	}
	return v, nil
}

func (f *fakeJobs) List(context.Context) []scheduler.StatusView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.StatusView, 0, len(f.views))
	for _, v := range f.views {
		out = append(out, v)
	}
	return out
}

func (f *fakeJobs) QueueSummary() scheduler.QueueSummary {
	return scheduler.QueueSummary{Active: 2, Queued: 3, MaxConcurrent: 2}
}

func (f *fakeJobs) Artifact(_ context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[jobID]
	if !ok {
		return "", &export.NotFoundError{Kind: "job", ID: jobID}
	}
	if v.Status != export.JobStatusCompleted {
		return "", &export.StateError{JobID: jobID, Have: v.Status, Want: export.JobStatusCompleted}
	}
	return f.artifacts[jobID], nil
}

func (f *fakeJobs) put(v scheduler.StatusView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[v.JobID] = v
}

func newTestServer(t *testing.T, jobs JobService, opts Options) http.Handler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return NewServer(jobs, opts).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	h := newTestServer(t, jobs, Options{})

	rec := do(t, h, http.MethodPost, "/v1/jobs", []byte(`{"username":"alice","password":"pw"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-alice", body["job_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "queued, position 1", body["message"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, []export.Credentials{{Username: "alice", Password: "pw"}}, jobs.creds)
}

func TestCreateJobErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"invalid json", `{"username":`, nil, http.StatusBadRequest},
		{"missing username", `{"password":"pw"}`, nil, http.StatusBadRequest},
		{"shutting down", `{"username":"a","password":"b"}`, scheduler.ErrShuttingDown, http.StatusServiceUnavailable},
		{"registry failure", `{"username":"a","password":"b"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs := newFakeJobs()
			jobs.submitErr = tt.submitErr
			h := newTestServer(t, jobs, Options{})

			rec := do(t, h, http.MethodPost, "/v1/jobs", []byte(tt.body))
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
		})
	}
}

func TestSubmitVerificationCode(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.put(scheduler.StatusView{JobID: "j1", Status: export.JobStatusAwaitingVerification})
	h := newTestServer(t, jobs, Options{})

	rec := do(t, h, http.MethodPost, "/v1/jobs/j1/verify", []byte(`{"code":"123456"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "crawling", body["status"])
	assert.Equal(t, "verification accepted", body["message"])
	assert.Equal(t, []string{"123456"}, jobs.codes)
}

func TestSubmitVerificationCodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", `nope`, nil, http.StatusBadRequest},
		{"unknown job", `{"code":"1"}`, &export.NotFoundError{Kind: "job", ID: "j1"}, http.StatusNotFound},
		{"wrong state", `{"code":"1"}`, &export.StateError{JobID: "j1", Have: export.JobStatusCrawling}, http.StatusBadRequest},
		{"empty code", `{"code":""}`, &export.ValidationError{Field: "code", Reason: "is required"}, http.StatusBadRequest},
		{"rejected code", `{"code":"1"}`, &export.AuthError{Stage: "verify", Reason: "invalid code"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs := newFakeJobs()
			jobs.resumeErr = tt.err
			h := newTestServer(t, jobs, Options{})

			rec := do(t, h, http.MethodPost, "/v1/jobs/j1/verify", []byte(tt.body))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetJobAndList(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	pos := 2
	eta := 1200.0
	jobs.put(scheduler.StatusView{
		JobID:         "j1",
		Status:        export.JobStatusPending,
		QueuePosition: &pos,
		ETASeconds:    &eta,
		CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	h := newTestServer(t, jobs, Options{})

	rec := do(t, h, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "j1", body["job_id"])
	assert.InDelta(t, 2.0, body["queue_position"], 1e-9)
	assert.InDelta(t, 1200.0, body["eta_seconds"], 1e-9)
	assert.Nil(t, body["download_url"])

	rec = do(t, h, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["jobs"].([]any)
	assert.Len(t, list, 1)
}

func TestQueueSummary(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeJobs(), Options{})
	rec := do(t, h, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":2,"queued":3,"max_concurrent":2}`, rec.Body.String())
}

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "alice_2024_01_01_00_00_00.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK-archive"), 0o600))

	jobs := newFakeJobs()
	jobs.put(scheduler.StatusView{JobID: "done", Status: export.JobStatusCompleted})
	jobs.put(scheduler.StatusView{JobID: "gone", Status: export.JobStatusCompleted})
	jobs.put(scheduler.StatusView{JobID: "busy", Status: export.JobStatusCrawling})
	jobs.artifacts["done"] = path
	jobs.artifacts["gone"] = filepath.Join(dir, "missing.zip")
	h := newTestServer(t, jobs, Options{RequestTimeout: time.Millisecond})

	rec := do(t, h, http.MethodGet, "/v1/jobs/done/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="alice_2024_01_01_00_00_00.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK-archive", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/jobs/gone/download", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/jobs/nope/download", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/jobs/busy/download", nil).Code)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.put(scheduler.StatusView{JobID: "j1", Status: export.JobStatusPending})
	h := newTestServer(t, jobs, Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/jobs/j1", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/jobs/j1/download", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/jobs/j1", nil, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/jobs/j1?api_key=secret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeJobs(), Options{})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil).Code)

	failing := newTestServer(t, newFakeJobs(), Options{
		Ready: func(context.Context) error { return errors.New("db down") },
	})
	rec := do(t, failing, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "db down", decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeJobs(), Options{})
	do(t, h, http.MethodGet, "/healthz", nil)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	jobs.panicOn = "explode"
	h := newTestServer(t, jobs, Options{})

	rec := do(t, h, http.MethodGet, "/v1/jobs/explode", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeJobs(), Options{})
	rec := do(t, h, http.MethodGet, "/healthz", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
