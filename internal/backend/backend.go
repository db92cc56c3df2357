// Package backend provides the durable queue abstraction the worker and
// api services share. Every implementation offers the same observable
// semantics: atomic single-claimant job claims, claim-guarded completion,
// retry-or-fail transitions, and heartbeat-based worker liveness.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
)

// Backend is the pluggable durable queue contract
type Backend interface {
	// EnqueueJob stores a new pending job
	EnqueueJob(ctx context.Context, j *job.Job) error

	// GetNextJob atomically claims one eligible job of the given types for
	// workerID. Returns (nil, nil) when no job is available. At most one
	// concurrent caller ever receives a given job.
	GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error)

	// MarkJobRunning transitions a claimed job to RUNNING. Failures are
	// informational only and never abort execution.
	MarkJobRunning(ctx context.Context, jobID, workerID string) error

	// CompleteJob transitions the job to COMPLETED and stores the result.
	// Returns job.ErrNotClaimant if workerID does not hold the claim.
	CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error

	// FailJob records a failure. Retryable failures below the attempt limit
	// transition to RETRYING with a backoff delay; everything else becomes
	// terminal FAILED. Returns job.ErrNotClaimant if workerID does not hold
	// the claim.
	FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error

	// RegisterWorker upserts a worker registration. Re-registering the same
	// id is not an error.
	RegisterWorker(ctx context.Context, info *job.WorkerInfo) error

	// UpdateWorkerHeartbeat refreshes the registration's last heartbeat.
	// Returns job.ErrWorkerNotFound for unknown ids; callers log and move on.
	UpdateWorkerHeartbeat(ctx context.Context, workerID string) error

	// UnregisterWorker removes a registration. Jobs still claimed by the
	// worker are left for the staleness sweep.
	UnregisterWorker(ctx context.Context, workerID string) error

	// ReclaimStaleJobs requeues jobs whose claimant's heartbeat has expired
	// and returns how many were recovered. Backends with broker-native
	// redelivery report 0.
	ReclaimStaleJobs(ctx context.Context) (int, error)

	// Close releases the backend's connections
	Close() error
}

// Store is the optional read surface for observability endpoints.
// Only backends with queryable state implement it.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error)
	ListWorkers(ctx context.Context) ([]*job.WorkerInfo, error)
}

// Pinger is implemented by backends that can answer a health probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobFilter narrows a ListJobs query
type JobFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is an opaque position in the created_at/job_id ordering
type JobCursor struct {
	CreatedAt int64 // unix nanoseconds
	JobID     string
}

// Policy holds the queue-wide retry and staleness settings shared by all
// backend implementations
type Policy struct {
	MaxAttempts     int
	StaleAfter      time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// PolicyFromConfig builds the retry policy from the queue section
func PolicyFromConfig(cfg *config.QueueConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		StaleAfter:      cfg.StaleAfter,
		RetryBackoff:    cfg.RetryBackoff,
		RetryBackoffMax: cfg.RetryBackoffMax,
	}
}

// New constructs the backend selected by queue.backend
func New(cfg *config.Config, log *slog.Logger) (Backend, error) {
	policy := PolicyFromConfig(&cfg.Queue)

	switch cfg.Queue.Backend {
	case config.BackendDatabase:
		return NewDatabaseBackend(&cfg.Database, policy, log)
	case config.BackendRedis:
		return NewRedisBackend(&cfg.Redis, policy, log)
	case config.BackendRabbitMQ:
		return NewRabbitMQBackend(&cfg.RabbitMQ, policy, log)
	case config.BackendMQTT:
		return NewMQTTBackend(&cfg.MQTT, policy, log)
	case config.BackendMemory:
		return NewMemoryBackend(policy, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}
}
