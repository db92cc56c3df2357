package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantfolio/jobrunner/internal/job"
)

// MemoryBackend is an in-process implementation of the full backend
// contract, including staleness reclaim. It backs local development and
// the test suite; nothing survives a process restart.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	workers map[string]*job.WorkerInfo
	order   []string // enqueue order for FIFO claims
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend(policy Policy, logger *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		jobs:    make(map[string]*job.Job),
		workers: make(map[string]*job.WorkerInfo),
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook for staleness and backoff.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBackend) EnqueueJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already enqueued", j.ID)
	}

	clone := *j
	m.jobs[j.ID] = &clone
	m.order = append(m.order, j.ID)

	m.logger.Debug("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

func (m *MemoryBackend) GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(jobTypes))
	for _, t := range jobTypes {
		wanted[t] = true
	}

	now := m.now()
	for _, id := range m.order {
		j := m.jobs[id]
		if j == nil || !wanted[j.JobType] {
			continue
		}
		if j.Status != job.StatusPending && j.Status != job.StatusRetrying {
			continue
		}
		if j.RunAfter.After(now) {
			continue
		}

		j.Status = job.StatusClaimed
		j.WorkerID = workerID
		j.AttemptCount++
		claimedAt := now
		j.ClaimedAt = &claimedAt
		j.UpdatedAt = now

		clone := *j
		return &clone, nil
	}

	return nil, nil
}

func (m *MemoryBackend) MarkJobRunning(ctx context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.WorkerID != workerID || j.Status != job.StatusClaimed {
		return job.ErrNotClaimant
	}

	j.Status = job.StatusRunning
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryBackend) CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.WorkerID != workerID || (j.Status != job.StatusClaimed && j.Status != job.StatusRunning) {
		return job.ErrNotClaimant
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	now := m.now()
	j.Status = job.StatusCompleted
	j.Result = resultJSON
	j.WorkerID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now

	m.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

func (m *MemoryBackend) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.WorkerID != workerID || (j.Status != job.StatusClaimed && j.Status != job.StatusRunning) {
		return job.ErrNotClaimant
	}

	now := m.now()
	j.ErrorMessage = errMsg
	j.WorkerID = ""
	j.UpdatedAt = now

	if retryable && !m.policy.Exhausted(j.AttemptCount, j.MaxAttempts) {
		j.Status = job.StatusRetrying
		j.RunAfter = now.Add(m.policy.RetryDelay(j.AttemptCount))

		m.logger.Info("Job requeued for retry",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("job_type", j.JobType),
			slog.Int("attempt_count", j.AttemptCount),
			slog.String("error", errMsg),
		)
		return nil
	}

	j.Status = job.StatusFailed
	j.CompletedAt = &now

	m.logger.Warn("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", j.JobType),
		slog.Int("attempt_count", j.AttemptCount),
		slog.String("error", errMsg),
	)

	return nil
}

func (m *MemoryBackend) RegisterWorker(ctx context.Context, info *job.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *info
	m.workers[info.WorkerID] = &clone

	m.logger.Info("Worker registered",
		slog.String("worker_id", info.WorkerID),
		slog.String("hostname", info.Hostname),
		slog.Int("pid", info.PID),
	)

	return nil
}

func (m *MemoryBackend) UpdateWorkerHeartbeat(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.workers[workerID]
	if !ok {
		return job.ErrWorkerNotFound
	}

	info.LastHeartbeatAt = m.now()
	return nil
}

func (m *MemoryBackend) UnregisterWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID)

	m.logger.Info("Worker unregistered",
		slog.String("worker_id", workerID),
	)

	return nil
}

// ReclaimStaleJobs requeues jobs whose claimant is unregistered or has a
// heartbeat older than the staleness threshold. Exhausted jobs flip to
// FAILED instead.
func (m *MemoryBackend) ReclaimStaleJobs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.policy.StaleAfter)
	reclaimed := 0

	for _, j := range m.jobs {
		if j.Status != job.StatusClaimed && j.Status != job.StatusRunning {
			continue
		}

		info, registered := m.workers[j.WorkerID]
		if registered && info.LastHeartbeatAt.After(cutoff) {
			continue
		}

		staleWorker := j.WorkerID
		j.WorkerID = ""
		j.UpdatedAt = now
		j.ErrorMessage = "worker heartbeat expired"

		if m.policy.Exhausted(j.AttemptCount, j.MaxAttempts) {
			j.Status = job.StatusFailed
			j.CompletedAt = &now
		} else {
			j.Status = job.StatusRetrying
			j.RunAfter = now
		}
		reclaimed++

		m.logger.Warn("Reclaimed job from stale worker",
			slog.String("job_id", j.ID),
			slog.String("worker_id", staleWorker),
			slog.String("status", j.Status),
		)
	}

	return reclaimed, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Ping always succeeds for the in-memory backend
func (m *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// GetJob returns a copy of the job record
func (m *MemoryBackend) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	clone := *j
	return &clone, nil
}

// ListJobs returns jobs newest-first with cursor pagination
func (m *MemoryBackend) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			key := j.CreatedAt.UnixNano()
			if key > filter.Cursor.CreatedAt ||
				(key == filter.Cursor.CreatedAt && j.ID >= filter.Cursor.JobID) {
				continue
			}
		}
		clone := *j
		matches = append(matches, &clone)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.After(matches[k].CreatedAt)
		}
		return matches[i].ID > matches[k].ID
	})

	if filter.PageSize > 0 && len(matches) > filter.PageSize+1 {
		matches = matches[:filter.PageSize+1]
	}

	return matches, nil
}

// ListWorkers returns all current registrations
func (m *MemoryBackend) ListWorkers(ctx context.Context) ([]*job.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workers := make([]*job.WorkerInfo, 0, len(m.workers))
	for _, info := range m.workers {
		clone := *info
		workers = append(workers, &clone)
	}

	sort.Slice(workers, func(i, k int) bool {
		return workers[i].WorkerID < workers[k].WorkerID
	})

	return workers, nil
}
