// Package worker implements the job-processing loop: claim, dispatch
// through a task-isolation runner, reap, enforce timeouts, heartbeat, and
// recover jobs from dead workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfolio/jobrunner/internal/backend"
	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/internal/processor"
)

// State is the worker lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Worker polls the backend for jobs and dispatches them through its
// runner. One Worker drives one registration; Run owns all in-flight
// bookkeeping, so the loop needs no locking of its own.
type Worker struct {
	cfg      *config.Config
	backend  backend.Backend
	registry *processor.Registry
	runner   Runner
	info     *job.WorkerInfo
	log      *slog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	inflight map[string]*inflightJob
}

type inflightJob struct {
	job       *job.Job
	handle    Handle
	startedAt time.Time
}

// New creates a worker. The capability set is the configured
// worker.job_types intersected with the registered processors; when no
// types are configured, all registered processors apply.
func New(cfg *config.Config, b backend.Backend, reg *processor.Registry, log *slog.Logger) (*Worker, error) {
	jobTypes := capabilitySet(cfg.Worker.JobTypes, reg.JobTypes())
	if len(jobTypes) == 0 {
		return nil, fmt.Errorf("worker has no job types to process")
	}

	info := job.NewWorkerInfo(jobTypes, cfg.Worker.MaxConcurrentJobs)
	return &Worker{
		cfg:      cfg,
		backend:  b,
		registry: reg,
		info:     info,
		log:      log.With(slog.String("worker_id", info.WorkerID)),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]*inflightJob),
	}, nil
}

// SetRunner overrides the task-isolation runner. Must be called before
// Run; when unset, Run picks one from worker.isolation.
func (w *Worker) SetRunner(r Runner) {
	w.runner = r
}

// ID returns the worker's generated id
func (w *Worker) ID() string {
	return w.info.WorkerID
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stop signals the worker to shut down gracefully. Safe to call from any
// goroutine and idempotent; calling Stop on a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run registers the worker and drives the poll loop until Stop is called
// or ctx is canceled, then drains in-flight jobs and unregisters. Returns
// an error only when startup fails.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("worker is already running")
	}

	if w.runner == nil {
		if err := w.buildRunner(); err != nil {
			w.state.Store(int32(StateStopped))
			return err
		}
	}

	if err := w.backend.RegisterWorker(ctx, w.info); err != nil {
		w.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to register worker: %w", err)
	}

	w.state.Store(int32(StateRunning))
	w.log.Info("worker started",
		slog.String("isolation", w.cfg.Worker.Isolation),
		slog.Any("job_types", w.info.JobTypes),
		slog.Int("max_concurrent_jobs", w.cfg.Worker.MaxConcurrentJobs))

	lastHeartbeat := time.Now()
	lastReclaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-w.stopCh:
			return w.shutdown()
		default:
		}

		if time.Since(lastHeartbeat) >= w.cfg.Worker.HeartbeatInterval {
			w.heartbeat(ctx)
			lastHeartbeat = time.Now()
		}

		if time.Since(lastReclaim) >= w.cfg.Queue.ReclaimInterval {
			w.reclaim(ctx)
			lastReclaim = time.Now()
		}

		claimed := false
		if len(w.inflight) < w.cfg.Worker.MaxConcurrentJobs {
			claimed = w.claim(ctx)
		}

		w.reap(ctx)
		w.enforceTimeouts(ctx)

		// Skip the idle sleep while jobs keep arriving.
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		case <-time.After(w.cfg.Worker.PollInterval):
		}
	}
}

func (w *Worker) buildRunner() error {
	executor := NewExecutor(w.backend, w.registry, w.log)
	switch w.cfg.Worker.Isolation {
	case config.IsolationProcess:
		argv, err := SelfExecArgs(w.cfg.Path())
		if err != nil {
			return err
		}
		runner, err := NewProcessRunner(argv, w.log)
		if err != nil {
			return err
		}
		w.runner = runner
	default:
		w.runner = NewGoroutineRunner(executor, w.info.WorkerID, w.log)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	err := w.backend.UpdateWorkerHeartbeat(ctx, w.info.WorkerID)
	if err == nil {
		return
	}
	if errors.Is(err, job.ErrWorkerNotFound) {
		// Registration expired (TTL-based backends); re-register.
		w.log.Warn("worker registration lost, re-registering")
		if err := w.backend.RegisterWorker(ctx, w.info); err != nil {
			w.log.Error("failed to re-register worker", slog.Any("error", err))
		}
		return
	}
	w.log.Warn("heartbeat failed", slog.Any("error", err))
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.backend.ReclaimStaleJobs(ctx)
	if err != nil {
		w.log.Warn("stale job sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		w.log.Info("reclaimed stale jobs", slog.Int("count", n))
	}
}

// claim pulls at most one job from the backend and dispatches it.
// Returns true if a job was claimed.
func (w *Worker) claim(ctx context.Context) bool {
	j, err := w.backend.GetNextJob(ctx, w.info.WorkerID, w.info.JobTypes)
	if err != nil {
		w.log.Warn("failed to claim job", slog.Any("error", err))
		return false
	}
	if j == nil {
		return false
	}

	w.log.Info("claimed job",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.JobType),
		slog.Int("attempt", j.AttemptCount))

	handle, err := w.runner.Start(j)
	if err != nil {
		w.log.Error("failed to start job execution",
			slog.String("job_id", j.ID),
			slog.Any("error", err))
		errMsg := fmt.Sprintf("failed to start execution: %v", err)
		if failErr := w.backend.FailJob(ctx, j.ID, w.info.WorkerID, errMsg, true); failErr != nil {
			w.log.Error("failed to record spawn failure",
				slog.String("job_id", j.ID),
				slog.Any("error", failErr))
		}
		return true
	}

	w.inflight[j.ID] = &inflightJob{
		job:       j,
		handle:    handle,
		startedAt: time.Now(),
	}
	return true
}

// reap drops finished executions from the in-flight table. Exit codes
// outside {0, 1} mean the execution died before reporting its outcome,
// so the parent fails the job on its behalf; the claim guard makes this
// safe against a racing reclaim.
func (w *Worker) reap(ctx context.Context) {
	for id, inf := range w.inflight {
		select {
		case <-inf.handle.Done():
		default:
			continue
		}

		code := inf.handle.ExitCode()
		switch code {
		case ExitCompleted:
			w.log.Debug("job execution finished", slog.String("job_id", id))
		case ExitFailed:
			w.log.Debug("job execution reported failure", slog.String("job_id", id))
		default:
			w.log.Warn("job execution died before reporting",
				slog.String("job_id", id),
				slog.Int("exit_code", code))
			w.failAbandoned(ctx, id, "job execution died before reporting its outcome")
		}
		delete(w.inflight, id)
	}
}

// enforceTimeouts force-kills executions older than job_timeout and
// fails the job as retryable.
func (w *Worker) enforceTimeouts(ctx context.Context) {
	for id, inf := range w.inflight {
		if time.Since(inf.startedAt) < w.cfg.Worker.JobTimeout {
			continue
		}

		w.log.Warn("job timed out, killing execution",
			slog.String("job_id", id),
			slog.Duration("timeout", w.cfg.Worker.JobTimeout))
		if err := inf.handle.Kill(); err != nil {
			w.log.Error("failed to kill job execution",
				slog.String("job_id", id),
				slog.Any("error", err))
		}
		w.failAbandoned(ctx, id, fmt.Sprintf("job exceeded timeout of %s", w.cfg.Worker.JobTimeout))
		delete(w.inflight, id)
	}
}

// failAbandoned fails a job whose execution can no longer report.
// ErrNotClaimant means the staleness sweep already requeued it.
func (w *Worker) failAbandoned(ctx context.Context, jobID, errMsg string) {
	err := w.backend.FailJob(ctx, jobID, w.info.WorkerID, errMsg, true)
	if err != nil && !errors.Is(err, job.ErrNotClaimant) {
		w.log.Error("failed to record abandoned job",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

// shutdown drains in-flight jobs for up to shutdown_grace, force-kills
// stragglers, and unregisters the worker.
func (w *Worker) shutdown() error {
	w.state.Store(int32(StateStopping))
	w.log.Info("worker stopping", slog.Int("inflight", len(w.inflight)))

	// The run context may already be canceled; shutdown reporting gets its
	// own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Worker.ShutdownGrace+10*time.Second)
	defer cancel()

	deadline := time.Now().Add(w.cfg.Worker.ShutdownGrace)
	for len(w.inflight) > 0 && time.Now().Before(deadline) {
		w.reap(ctx)
		if len(w.inflight) == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for id, inf := range w.inflight {
		w.log.Warn("force-killing job at shutdown", slog.String("job_id", id))
		if err := inf.handle.Kill(); err != nil {
			w.log.Error("failed to kill job execution",
				slog.String("job_id", id),
				slog.Any("error", err))
		}
		w.failAbandoned(ctx, id, "worker shut down before job finished")
		delete(w.inflight, id)
	}

	if err := w.backend.UnregisterWorker(ctx, w.info.WorkerID); err != nil {
		w.log.Warn("failed to unregister worker", slog.Any("error", err))
	}

	w.state.Store(int32(StateStopped))
	w.log.Info("worker stopped")
	return nil
}

func capabilitySet(configured, registered []string) []string {
	if len(configured) == 0 {
		return registered
	}
	available := make(map[string]bool, len(registered))
	for _, t := range registered {
		available[t] = true
	}
	var types []string
	for _, t := range configured {
		if available[t] {
			types = append(types, t)
		}
	}
	return types
}
