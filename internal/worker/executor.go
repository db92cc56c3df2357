package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantfolio/jobrunner/internal/backend"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/internal/processor"
)

// Executor runs one already-claimed job to completion and reports the
// outcome to the backend. It is shared by the in-process runner and the
// isolated child process; only the claimant is allowed to report, so a
// reclaimed job's late report is rejected by the backend.
type Executor struct {
	backend  backend.Backend
	registry *processor.Registry
	log      *slog.Logger
}

// NewExecutor creates an executor over the given backend and registry
func NewExecutor(b backend.Backend, reg *processor.Registry, log *slog.Logger) *Executor {
	return &Executor{
		backend:  b,
		registry: reg,
		log:      log,
	}
}

// ExecuteClaimed marks the job running, executes its processor, and
// reports completion or failure. A canceled context means the caller
// killed the job; reporting is skipped because the killer owns the
// fail-path. The returned error is non-nil whenever the job did not
// complete successfully.
func (e *Executor) ExecuteClaimed(ctx context.Context, j *job.Job, workerID string) error {
	log := e.log.With(
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
		slog.Int("attempt", j.AttemptCount))

	// Outcome reports must go through even after the execution context is
	// canceled, otherwise a completed job would be stuck CLAIMED.
	reportCtx := context.WithoutCancel(ctx)

	if err := e.backend.MarkJobRunning(reportCtx, j.ID, workerID); err != nil {
		log.Warn("failed to mark job running", slog.Any("error", err))
	}

	proc, err := e.registry.Lookup(j.JobType)
	if err != nil {
		log.Error("no processor for job type", slog.Any("error", err))
		if failErr := e.backend.FailJob(reportCtx, j.ID, workerID, err.Error(), false); failErr != nil {
			log.Error("failed to record job failure", slog.Any("error", failErr))
		}
		return err
	}

	result, err := proc.Execute(ctx, j)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("job execution interrupted", slog.Any("error", ctx.Err()))
			return fmt.Errorf("job interrupted: %w", ctx.Err())
		}
		retryable := job.IsRetryable(err)
		log.Warn("job execution failed",
			slog.Bool("retryable", retryable),
			slog.Any("error", err))
		if failErr := e.backend.FailJob(reportCtx, j.ID, workerID, err.Error(), retryable); failErr != nil {
			log.Error("failed to record job failure", slog.Any("error", failErr))
			return failErr
		}
		return err
	}

	if err := e.backend.CompleteJob(reportCtx, j.ID, workerID, result); err != nil {
		log.Error("failed to record job completion", slog.Any("error", err))
		return err
	}

	log.Info("job completed")
	return nil
}

// Fail reports a failure for a claimed job without executing it. Used by
// runners for spawn failures and panics.
func (e *Executor) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	return e.backend.FailJob(ctx, jobID, workerID, errMsg, retryable)
}
