package job

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Job status constants
const (
	StatusPending   = "PENDING"
	StatusClaimed   = "CLAIMED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusRetrying  = "RETRYING"
)

// Result is the value a processor produces for a completed job.
type Result map[string]interface{}

// Job represents a unit of work flowing through the queue
type Job struct {
	ID           string          `json:"job_id" db:"job_id"`
	JobType      string          `json:"job_type" db:"job_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       string          `json:"status" db:"status"`
	AttemptCount int             `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts" db:"max_attempts"`
	WorkerID     string          `json:"worker_id,omitempty" db:"worker_id"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	RunAfter     time.Time       `json:"run_after" db:"run_after"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// New creates a pending job with a fresh id and timestamps set to now
func New(jobType string, payload json.RawMessage, maxAttempts int) *Job {
	now := time.Now().UTC()
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return &Job{
		ID:          uuid.New().String(),
		JobType:     jobType,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// WorkerInfo is a worker's registration record held by the backend
type WorkerInfo struct {
	WorkerID          string    `json:"worker_id" db:"worker_id"`
	Hostname          string    `json:"hostname" db:"hostname"`
	PID               int       `json:"pid" db:"pid"`
	JobTypes          []string  `json:"job_types" db:"job_types"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	StartedAt         time.Time `json:"started_at" db:"started_at"`
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
}

// NewWorkerInfo builds a registration record for this process.
// The worker id combines hostname, pid and a random suffix so that
// restarts never collide with a stale registration.
func NewWorkerInfo(jobTypes []string, maxConcurrent int) *WorkerInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	pid := os.Getpid()
	now := time.Now().UTC()

	return &WorkerInfo{
		WorkerID:          fmt.Sprintf("%s-%d-%s", hostname, pid, uuid.New().String()[:8]),
		Hostname:          hostname,
		PID:               pid,
		JobTypes:          jobTypes,
		MaxConcurrentJobs: maxConcurrent,
		StartedAt:         now,
		LastHeartbeatAt:   now,
	}
}
