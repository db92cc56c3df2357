package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/quantfolio/jobrunner/internal/job"
)

// Exit codes reported by an execution. Anything else means the execution
// died before it could report its outcome.
const (
	ExitCompleted = 0
	ExitFailed    = 1
)

// Runner launches the execution of one claimed job. The two
// implementations trade crash containment against overhead: goroutines
// share the worker process, child processes are fully isolated.
type Runner interface {
	Start(j *job.Job) (Handle, error)
}

// Handle tracks one running job execution
type Handle interface {
	// Done is closed when the execution has finished
	Done() <-chan struct{}

	// ExitCode is valid once Done is closed. ExitCompleted means the job
	// was reported completed, ExitFailed means the failure was reported.
	ExitCode() int

	// Kill terminates the execution without waiting for it
	Kill() error
}

// GoroutineRunner executes jobs in-process. Kill cancels the execution
// context; a crashing processor takes the whole worker down with it.
type GoroutineRunner struct {
	executor *Executor
	workerID string
	log      *slog.Logger
}

// NewGoroutineRunner creates the in-process runner
func NewGoroutineRunner(executor *Executor, workerID string, log *slog.Logger) *GoroutineRunner {
	return &GoroutineRunner{
		executor: executor,
		workerID: workerID,
		log:      log,
	}
}

func (r *GoroutineRunner) Start(j *job.Job) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(h.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("processor panicked",
					slog.String("job_id", j.ID),
					slog.Any("panic", rec))
				errMsg := fmt.Sprintf("processor panic: %v", rec)
				if err := r.executor.Fail(context.Background(), j.ID, r.workerID, errMsg, false); err != nil {
					r.log.Error("failed to record panic failure",
						slog.String("job_id", j.ID),
						slog.Any("error", err))
				}
				h.exitCode = ExitFailed
			}
		}()

		if err := r.executor.ExecuteClaimed(ctx, j, r.workerID); err != nil {
			h.exitCode = ExitFailed
		}
	}()

	return h, nil
}

type goroutineHandle struct {
	done     chan struct{}
	cancel   context.CancelFunc
	exitCode int
}

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }
func (h *goroutineHandle) ExitCode() int         { return h.exitCode }

func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}

// ProcessRunner executes each job in a child process for crash
// containment. The child receives the claimed job as JSON on stdin,
// builds its own backend client, and reports the outcome itself; the
// parent only reaps exit codes.
type ProcessRunner struct {
	argv []string
	log  *slog.Logger
}

// NewProcessRunner creates a runner that spawns argv for each job. The
// worker binary passes itself in child-execution mode.
func NewProcessRunner(argv []string, log *slog.Logger) (*ProcessRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("process runner requires a command")
	}
	return &ProcessRunner{argv: argv, log: log}, nil
}

// SelfExecArgs builds the argv that re-execs the current binary in
// child-execution mode with the same config file.
func SelfExecArgs(configPath string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker binary path: %w", err)
	}
	return []string{exe, "-exec-job", "-config", configPath}, nil
}

func (r *ProcessRunner) Start(j *job.Job) (Handle, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job for child process: %w", err)
	}

	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn job process: %w", err)
	}

	r.log.Debug("spawned job process",
		slog.String("job_id", j.ID),
		slog.Int("pid", cmd.Process.Pid))

	h := &processHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		err := cmd.Wait()
		h.exitCode = cmd.ProcessState.ExitCode()
		if err != nil && h.exitCode < 0 {
			// Killed by signal; the parent treats this as died-before-reporting.
			r.log.Warn("job process terminated by signal",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
		}
	}()

	return h, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (h *processHandle) Done() <-chan struct{} { return h.done }
func (h *processHandle) ExitCode() int         { return h.exitCode }

func (h *processHandle) Kill() error {
	return h.cmd.Process.Kill()
}
