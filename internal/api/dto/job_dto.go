package dto

import "encoding/json"

type CreateJobRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts" binding:"omitempty,min=1"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RunAfter     string          `json:"run_after,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type WorkerDTO struct {
	WorkerID      string   `json:"worker_id"`
	Hostname      string   `json:"hostname"`
	PID           int      `json:"pid"`
	JobTypes      []string `json:"job_types"`
	StartedAt     string   `json:"started_at"`
	LastHeartbeat string   `json:"last_heartbeat"`
}

type ListWorkersResponse struct {
	Workers []WorkerDTO `json:"workers"`
}
