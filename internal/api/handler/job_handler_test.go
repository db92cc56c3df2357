package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/backend"
	"github.com/quantfolio/jobrunner/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() backend.Policy {
	return backend.Policy{
		MaxAttempts:     3,
		StaleAfter:      2 * time.Minute,
		RetryBackoff:    10 * time.Second,
		RetryBackoffMax: 10 * time.Minute,
	}
}

func newTestRouter(b backend.Backend) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	h := NewJobHandler(&Dependencies{Logger: testLogger(), Backend: b})
	r.GET("/health", h.Health)
	r.POST("/api/v1/jobs", h.CreateJob)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJob)
	r.GET("/api/v1/workers", h.ListWorkers)
	return r
}

func performRequest(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateJob(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	body := []byte(`{"job_type":"price_update","payload":{"symbol":"AAPL"},"max_attempts":5}`)
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		JobID       string `json:"job_id"`
		Status      string `json:"status"`
		MaxAttempts int    `json:"max_attempts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, job.StatusPending, resp.Status)
	assert.Equal(t, 5, resp.MaxAttempts)

	stored, err := b.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "price_update", stored.JobType)
	assert.JSONEq(t, `{"symbol":"AAPL"}`, string(stored.Payload))
}

func TestCreateJobValidation(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing job_type", body: `{"payload":{}}`},
		{name: "empty body", body: ``},
		{name: "malformed json", body: `{"job_type":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(r, http.MethodPost, "/api/v1/jobs", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	j := job.New("price_update", json.RawMessage(`{"symbol":"MSFT"}`), 0)
	require.NoError(t, b.EnqueueJob(context.Background(), j))

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		JobID   string `json:"job_id"`
		JobType string `json:"job_type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, j.ID, resp.JobID)
	assert.Equal(t, "price_update", resp.JobType)
}

func TestGetJobNotFound(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/550e8400-e29b-41d4-a716-446655440000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobInvalidID(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobsPagination(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	for i := 0; i < 5; i++ {
		j := job.New("price_update", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 0)
		require.NoError(t, b.EnqueueJob(context.Background(), j))
	}

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Jobs       []map[string]any `json:"jobs"`
		NextCursor string           `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)

	seen := map[string]bool{}
	for _, j := range page.Jobs {
		seen[j["job_id"].(string)] = true
	}

	// Walk the remaining pages; every job shows up exactly once.
	cursor := page.NextCursor
	for cursor != "" {
		w = performRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code)
		// The last page omits next_cursor, so clear the stale value
		// before unmarshaling or the walk never ends.
		page.NextCursor = ""
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		for _, j := range page.Jobs {
			id := j["job_id"].(string)
			assert.False(t, seen[id], "job %s returned twice", id)
			seen[id] = true
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)
}

func TestListJobsStatusFilter(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	jobA := job.New("price_update", nil, 0)
	require.NoError(t, b.EnqueueJob(context.Background(), jobA))
	jobB := job.New("price_update", nil, 0)
	require.NoError(t, b.EnqueueJob(context.Background(), jobB))

	require.NoError(t, b.RegisterWorker(context.Background(), &job.WorkerInfo{
		WorkerID: "worker-1", JobTypes: []string{"price_update"},
	}))
	// Claims are FIFO, so jobA moves to CLAIMED and jobB stays PENDING.
	first, err := b.GetNextJob(context.Background(), "worker-1", []string{"price_update"})
	require.NoError(t, err)
	require.Equal(t, jobA.ID, first.ID)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?status=PENDING", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, jobB.ID, page.Jobs[0]["job_id"])
}

func TestListJobsInvalidCursor(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListWorkers(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	info := job.NewWorkerInfo([]string{"price_update"}, 2)
	require.NoError(t, b.RegisterWorker(context.Background(), info))

	w := performRequest(r, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Workers []map[string]any `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 1)
	assert.Equal(t, info.WorkerID, resp.Workers[0]["worker_id"])
}

func TestHealth(t *testing.T) {
	b := backend.NewMemoryBackend(testPolicy(), testLogger())
	r := newTestRouter(b)

	w := performRequest(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestStoreGatedEndpoints(t *testing.T) {
	// A backend without queryable state only supports enqueue.
	b := writeOnlyBackend{Backend: backend.NewMemoryBackend(testPolicy(), testLogger())}
	r := newTestRouter(b)

	paths := []string{
		"/api/v1/jobs",
		"/api/v1/jobs/550e8400-e29b-41d4-a716-446655440000",
		"/api/v1/workers",
	}
	for _, path := range paths {
		w := performRequest(r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotImplemented, w.Code, path)
	}

	body := []byte(`{"job_type":"price_update"}`)
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

// writeOnlyBackend hides the memory backend's Store surface
type writeOnlyBackend struct {
	backend.Backend
}
