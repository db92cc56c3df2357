package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantfolio/jobrunner/internal/api/dto"
	"github.com/quantfolio/jobrunner/internal/backend"
	"github.com/quantfolio/jobrunner/internal/job"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a new background job for processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	j := job.New(req.JobType, req.Payload, req.MaxAttempts)
	if err := h.backend.EnqueueJob(c.Request.Context(), j); err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	c.JSON(http.StatusCreated, jobToDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	if h.store == nil {
		h.storeUnavailable(c)
		return
	}

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	if h.store == nil {
		h.storeUnavailable(c)
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), backend.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, 0, len(jobs)),
	}
	// Backends return one extra row past the page to signal more results.
	if len(jobs) > pageSize {
		jobs = jobs[:pageSize]
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&backend.JobCursor{
			CreatedAt: last.CreatedAt.UnixNano(),
			JobID:     last.ID,
		})
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobToDTO(j))
	}

	c.JSON(http.StatusOK, resp)
}

// ListWorkers handles GET /api/v1/workers
// Reports the registered worker fleet and its heartbeat freshness
func (h *JobHandler) ListWorkers(c *gin.Context) {
	if h.store == nil {
		h.storeUnavailable(c)
		return
	}

	workers, err := h.store.ListWorkers(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list workers", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list workers",
		})
		return
	}

	resp := dto.ListWorkersResponse{
		Workers: make([]dto.WorkerDTO, 0, len(workers)),
	}
	for _, w := range workers {
		resp.Workers = append(resp.Workers, dto.WorkerDTO{
			WorkerID:      w.WorkerID,
			Hostname:      w.Hostname,
			PID:           w.PID,
			JobTypes:      w.JobTypes,
			StartedAt:     w.StartedAt.Format(time.RFC3339),
			LastHeartbeat: w.LastHeartbeatAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	if pinger, ok := h.backend.(backend.Pinger); ok {
		if err := pinger.Ping(c.Request.Context()); err != nil {
			h.logger.Error("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "job-api-service",
	})
}

func (h *JobHandler) storeUnavailable(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": "the configured queue backend does not support job queries",
	})
}

func jobToDTO(j *job.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:        j.ID,
		JobType:      j.JobType,
		Payload:      j.Payload,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		WorkerID:     j.WorkerID,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
	if !j.RunAfter.IsZero() {
		d.RunAfter = j.RunAfter.Format(time.RFC3339)
	}
	if len(j.Result) > 0 {
		if err := json.Unmarshal(j.Result, &d.Result); err != nil {
			d.Result = map[string]any{"raw": string(j.Result)}
		}
	}
	return d
}
