package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/quantfolio/jobrunner/internal/job"
)

// ShellProcessor executes jobs by running a shell command with the job
// payload JSON on stdin. The trimmed stdout is returned as the result.
// Declared in config under processors.<job_type>.command, so deployments
// can wire job types to scripts without a rebuild.
type ShellProcessor struct {
	jobType string
	command string
	log     *slog.Logger
}

// NewShellProcessor creates a processor that runs command via sh -c
func NewShellProcessor(jobType, command string, log *slog.Logger) *ShellProcessor {
	return &ShellProcessor{
		jobType: jobType,
		command: command,
		log:     log.With(slog.String("job_type", jobType)),
	}
}

func (p *ShellProcessor) JobType() string {
	return p.jobType
}

// Execute runs the command with the payload on stdin. A non-zero exit is
// a transient failure so the job is retried; scripts that want a job
// dropped permanently have to exit zero and encode that in their output.
func (p *ShellProcessor) Execute(ctx context.Context, j *job.Job) (job.Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Stdin = bytes.NewReader(j.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.log.Debug("running shell processor",
		slog.String("job_id", j.ID),
		slog.String("command", p.command))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, job.Transient(fmt.Errorf("command interrupted: %w", ctx.Err()))
		}
		p.log.Warn("shell processor failed",
			slog.String("job_id", j.ID),
			slog.String("stderr", strings.TrimSpace(stderr.String())),
			slog.Any("error", err))
		return nil, job.Transient(fmt.Errorf("command failed: %w", err))
	}

	return job.Result{
		"output": strings.TrimSpace(stdout.String()),
	}, nil
}
