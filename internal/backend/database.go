package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/shared/postgresql"
)

// DatabaseBackend persists the queue in PostgreSQL. Claims are serialized
// with FOR UPDATE SKIP LOCKED so concurrent pollers never receive the
// same row; polling interval is the only latency cost.
type DatabaseBackend struct {
	client *postgresql.Client
	db     *sqlx.DB
	policy Policy
	logger *slog.Logger
}

// NewDatabaseBackend connects to PostgreSQL and ensures the queue schema
func NewDatabaseBackend(cfg *config.DatabaseConfig, policy Policy, logger *slog.Logger) (*DatabaseBackend, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	b := &DatabaseBackend{
		client: client,
		db:     client.GetDB(),
		policy: policy,
		logger: logger,
	}

	if err := b.EnsureSchema(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ensure queue schema: %w", err)
	}

	return b, nil
}

// EnsureSchema creates the jobs and workers tables if they do not exist
func (b *DatabaseBackend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id        UUID PRIMARY KEY,
			job_type      TEXT NOT NULL,
			payload       JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL DEFAULT 'PENDING',
			attempt_count INT NOT NULL DEFAULT 0,
			max_attempts  INT NOT NULL DEFAULT 0,
			worker_id     TEXT,
			result        JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			run_after     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
			ON jobs (status, job_type, run_after)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_list
			ON jobs (created_at DESC, job_id DESC)`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id           TEXT PRIMARY KEY,
			hostname            TEXT NOT NULL,
			pid                 INT NOT NULL,
			job_types           TEXT[] NOT NULL DEFAULT '{}',
			max_concurrent_jobs INT NOT NULL DEFAULT 1,
			started_at          TIMESTAMPTZ NOT NULL,
			last_heartbeat_at   TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	return nil
}

func (b *DatabaseBackend) EnqueueJob(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, payload, status, attempt_count, max_attempts,
			run_after, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := b.db.ExecContext(ctx, query,
		j.ID,
		j.JobType,
		[]byte(j.Payload),
		j.Status,
		j.AttemptCount,
		j.MaxAttempts,
		j.RunAfter,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
	)

	return nil
}

// jobRow mirrors the jobs table for sqlx scanning
type jobRow struct {
	JobID        string         `db:"job_id"`
	JobType      string         `db:"job_type"`
	Payload      []byte         `db:"payload"`
	Status       string         `db:"status"`
	AttemptCount int            `db:"attempt_count"`
	MaxAttempts  int            `db:"max_attempts"`
	WorkerID     sql.NullString `db:"worker_id"`
	Result       []byte         `db:"result"`
	ErrorMessage string         `db:"error_message"`
	RunAfter     time.Time      `db:"run_after"`
	CreatedAt    time.Time      `db:"created_at"`
	ClaimedAt    *time.Time     `db:"claimed_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *jobRow) toJob() *job.Job {
	j := &job.Job{
		ID:           r.JobID,
		JobType:      r.JobType,
		Payload:      json.RawMessage(r.Payload),
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		ErrorMessage: r.ErrorMessage,
		RunAfter:     r.RunAfter,
		CreatedAt:    r.CreatedAt,
		ClaimedAt:    r.ClaimedAt,
		CompletedAt:  r.CompletedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.WorkerID.Valid {
		j.WorkerID = r.WorkerID.String
	}
	if len(r.Result) > 0 {
		j.Result = json.RawMessage(r.Result)
	}
	return j
}

const jobColumns = `job_id, job_type, payload, status, attempt_count, max_attempts,
	worker_id, result, error_message, run_after, created_at, claimed_at,
	completed_at, updated_at`

func (b *DatabaseBackend) GetNextJob(ctx context.Context, workerID string, jobTypes []string) (*job.Job, error) {
	// SKIP LOCKED serializes claims across concurrent pollers without
	// blocking them on each other
	query := `
		UPDATE jobs SET
			status = $1,
			worker_id = $2,
			attempt_count = attempt_count + 1,
			claimed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status IN ($3, $4)
			  AND job_type = ANY($5)
			  AND run_after <= NOW()
			ORDER BY created_at, job_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := b.db.QueryRowxContext(ctx, query,
		job.StatusClaimed,
		workerID,
		job.StatusPending,
		job.StatusRetrying,
		pq.Array(jobTypes),
	).StructScan(&row)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	b.logger.Info("Job claimed",
		slog.String("job_id", row.JobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", row.JobType),
		slog.Int("attempt_count", row.AttemptCount),
	)

	return row.toJob(), nil
}

func (b *DatabaseBackend) MarkJobRunning(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND worker_id = $3 AND status = $4
	`

	result, err := b.db.ExecContext(ctx, query, job.StatusRunning, jobID, workerID, job.StatusClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return job.ErrNotClaimant
	}

	return nil
}

func (b *DatabaseBackend) CompleteJob(ctx context.Context, jobID, workerID string, result job.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE jobs SET
			status = $1,
			result = $2,
			worker_id = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $3 AND worker_id = $4 AND status IN ($5, $6)
	`

	res, err := b.db.ExecContext(ctx, query,
		job.StatusCompleted, resultJSON, jobID, workerID,
		job.StatusClaimed, job.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return job.ErrNotClaimant
	}

	b.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return nil
}

func (b *DatabaseBackend) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	if retryable {
		// One statement decides between RETRYING and terminal FAILED so the
		// attempt comparison and the transition stay atomic. Backoff doubles
		// per consumed attempt, capped at the configured maximum.
		query := `
			UPDATE jobs SET
				status = CASE
					WHEN attempt_count < CASE WHEN max_attempts > 0 THEN max_attempts ELSE $1 END
						THEN $2 ELSE $3 END,
				run_after = NOW() + (LEAST($4 * power(2, GREATEST(attempt_count - 1, 0)), $10) * interval '1 second'),
				worker_id = NULL,
				error_message = $5,
				completed_at = CASE
					WHEN attempt_count < CASE WHEN max_attempts > 0 THEN max_attempts ELSE $1 END
						THEN NULL ELSE NOW() END,
				updated_at = NOW()
			WHERE job_id = $6 AND worker_id = $7 AND status IN ($8, $9)
			RETURNING status, attempt_count
		`

		var status string
		var attempts int
		err := b.db.QueryRowContext(ctx, query,
			b.policy.MaxAttempts,
			job.StatusRetrying,
			job.StatusFailed,
			b.policy.RetryBackoff.Seconds(),
			errMsg,
			jobID, workerID,
			job.StatusClaimed, job.StatusRunning,
			b.policy.RetryBackoffMax.Seconds(),
		).Scan(&status, &attempts)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return job.ErrNotClaimant
			}
			return fmt.Errorf("failed to fail job: %w", err)
		}

		b.logger.Info("Job failure recorded",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("status", status),
			slog.Int("attempt_count", attempts),
			slog.String("error", errMsg),
		)

		return nil
	}

	query := `
		UPDATE jobs SET
			status = $1,
			worker_id = NULL,
			error_message = $2,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $3 AND worker_id = $4 AND status IN ($5, $6)
	`

	res, err := b.db.ExecContext(ctx, query,
		job.StatusFailed, errMsg, jobID, workerID,
		job.StatusClaimed, job.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return job.ErrNotClaimant
	}

	b.logger.Warn("Job failed terminally",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("error", errMsg),
	)

	return nil
}

func (b *DatabaseBackend) RegisterWorker(ctx context.Context, info *job.WorkerInfo) error {
	query := `
		INSERT INTO workers (
			worker_id, hostname, pid, job_types, max_concurrent_jobs,
			started_at, last_heartbeat_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			job_types = EXCLUDED.job_types,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at
	`

	_, err := b.db.ExecContext(ctx, query,
		info.WorkerID,
		info.Hostname,
		info.PID,
		pq.Array(info.JobTypes),
		info.MaxConcurrentJobs,
		info.StartedAt,
		info.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	b.logger.Info("Worker registered",
		slog.String("worker_id", info.WorkerID),
		slog.String("hostname", info.Hostname),
		slog.Int("pid", info.PID),
	)

	return nil
}

func (b *DatabaseBackend) UpdateWorkerHeartbeat(ctx context.Context, workerID string) error {
	query := `UPDATE workers SET last_heartbeat_at = NOW() WHERE worker_id = $1`

	result, err := b.db.ExecContext(ctx, query, workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return job.ErrWorkerNotFound
	}

	return nil
}

func (b *DatabaseBackend) UnregisterWorker(ctx context.Context, workerID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	b.logger.Info("Worker unregistered",
		slog.String("worker_id", workerID),
	)

	return nil
}

func (b *DatabaseBackend) ReclaimStaleJobs(ctx context.Context) (int, error) {
	// A job is stale when its claimant is gone or has not heartbeat within
	// the threshold. Exhausted jobs flip straight to FAILED.
	query := `
		UPDATE jobs j SET
			status = CASE
				WHEN j.attempt_count >= CASE WHEN j.max_attempts > 0 THEN j.max_attempts ELSE $1 END
					THEN $2 ELSE $3 END,
			worker_id = NULL,
			error_message = 'worker heartbeat expired',
			run_after = NOW(),
			completed_at = CASE
				WHEN j.attempt_count >= CASE WHEN j.max_attempts > 0 THEN j.max_attempts ELSE $1 END
					THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE j.status IN ($4, $5)
		  AND NOT EXISTS (
			SELECT 1 FROM workers w
			WHERE w.worker_id = j.worker_id
			  AND w.last_heartbeat_at > NOW() - ($6 * interval '1 second')
		  )
	`

	result, err := b.db.ExecContext(ctx, query,
		b.policy.MaxAttempts,
		job.StatusFailed,
		job.StatusRetrying,
		job.StatusClaimed,
		job.StatusRunning,
		b.policy.StaleAfter.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		b.logger.Warn("Reclaimed jobs from stale workers",
			slog.Int64("count", affected),
		)
	}

	return int(affected), nil
}

func (b *DatabaseBackend) Close() error {
	return b.client.Close()
}

// Ping checks the database connection
func (b *DatabaseBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// GetJob returns a single job record
func (b *DatabaseBackend) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	err := b.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob(), nil
}

// ListJobs returns jobs newest-first with cursor pagination. One extra row
// beyond the page size signals more results to the caller.
func (b *DatabaseBackend) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, time.Unix(0, filter.Cursor.CreatedAt), filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	var rows []jobRow
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*job.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}

	return jobs, nil
}

// ListWorkers returns all current registrations
func (b *DatabaseBackend) ListWorkers(ctx context.Context) ([]*job.WorkerInfo, error) {
	query := `
		SELECT worker_id, hostname, pid, job_types, max_concurrent_jobs,
			started_at, last_heartbeat_at
		FROM workers
		ORDER BY worker_id
	`

	rows, err := b.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*job.WorkerInfo
	for rows.Next() {
		var info job.WorkerInfo
		var jobTypes pq.StringArray
		if err := rows.Scan(
			&info.WorkerID,
			&info.Hostname,
			&info.PID,
			&jobTypes,
			&info.MaxConcurrentJobs,
			&info.StartedAt,
			&info.LastHeartbeatAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		info.JobTypes = jobTypes
		workers = append(workers, &info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	return workers, nil
}
