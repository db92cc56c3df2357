package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShellProcessorSuccess(t *testing.T) {
	p := NewShellProcessor("echo_test", "cat", testLogger())
	assert.Equal(t, "echo_test", p.JobType())

	payload := json.RawMessage(`{"symbol":"AAPL"}`)
	j := job.New("echo_test", payload, 0)

	result, err := p.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, `{"symbol":"AAPL"}`, result["output"])
}

func TestShellProcessorTrimsOutput(t *testing.T) {
	p := NewShellProcessor("noise", "echo '  done  '", testLogger())

	result, err := p.Execute(context.Background(), job.New("noise", nil, 0))
	require.NoError(t, err)
	assert.Equal(t, "done", result["output"])
}

func TestShellProcessorNonZeroExitIsTransient(t *testing.T) {
	p := NewShellProcessor("boom", "exit 3", testLogger())

	_, err := p.Execute(context.Background(), job.New("boom", nil, 0))
	require.Error(t, err)
	assert.True(t, job.IsRetryable(err))
}

func TestShellProcessorContextCancellation(t *testing.T) {
	p := NewShellProcessor("slow", "sleep 30", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Execute(ctx, job.New("slow", nil, 0))
	require.Error(t, err)
	assert.True(t, job.IsRetryable(err))
}
