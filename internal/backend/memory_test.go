package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		StaleAfter:      2 * time.Minute,
		RetryBackoff:    10 * time.Second,
		RetryBackoffMax: 10 * time.Minute,
	}
}

func TestMemoryBackendClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	j := job.New("price_update", json.RawMessage(`{"symbol":"AAPL"}`), 3)
	require.NoError(t, b.EnqueueJob(ctx, j))

	claimed, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)
	assert.Equal(t, job.StatusClaimed, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ClaimedAt)

	// Claimed job is not visible to a second poller
	second, err := b.GetNextJob(ctx, "w2", []string{"price_update"})
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, b.MarkJobRunning(ctx, j.ID, "w1"))

	require.NoError(t, b.CompleteJob(ctx, j.ID, "w1", job.Result{"price": 123.45}))

	stored, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Empty(t, stored.WorkerID)
	assert.JSONEq(t, `{"price":123.45}`, string(stored.Result))
	require.NotNil(t, stored.CompletedAt)
}

func TestMemoryBackendClaimFiltersByType(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	require.NoError(t, b.EnqueueJob(ctx, job.New("technical_analysis", nil, 3)))

	claimed, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = b.GetNextJob(ctx, "w1", []string{"price_update", "technical_analysis"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "technical_analysis", claimed.JobType)
}

func TestMemoryBackendAtMostOneClaimant(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	const jobCount = 10
	const workerCount = 3

	for i := 0; i < jobCount; i++ {
		require.NoError(t, b.EnqueueJob(ctx, job.New("price_update", nil, 3)))
	}

	var mu sync.Mutex
	claimsPerJob := make(map[string]int)
	totalClaims := 0

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", workerNum)
			for {
				claimed, err := b.GetNextJob(ctx, workerID, []string{"price_update"})
				require.NoError(t, err)
				if claimed == nil {
					return
				}
				mu.Lock()
				claimsPerJob[claimed.ID]++
				totalClaims++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, jobCount, totalClaims)
	assert.Len(t, claimsPerJob, jobCount)
	for id, count := range claimsPerJob {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestMemoryBackendCompletionRequiresClaim(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))

	_, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)

	// A worker that does not hold the claim cannot complete the job
	err = b.CompleteJob(ctx, j.ID, "w2", nil)
	assert.ErrorIs(t, err, job.ErrNotClaimant)

	// w1 never registered, so the sweep treats its claim as stale;
	// the late completion after reclaim must fail
	n, err := b.ReclaimStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = b.CompleteJob(ctx, j.ID, "w1", nil)
	assert.ErrorIs(t, err, job.ErrNotClaimant)
}

func TestMemoryBackendRetryBound(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.RetryBackoff = 0 // immediate requeue for the test
	b := NewMemoryBackend(policy, testLogger())

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))

	claims := 0
	for {
		claimed, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
		require.NoError(t, err)
		if claimed == nil {
			break
		}
		claims++
		require.LessOrEqual(t, claims, 3, "job claimed beyond its attempt budget")
		require.NoError(t, b.FailJob(ctx, j.ID, "w1", "flaky", true))
	}

	assert.Equal(t, 3, claims)

	stored, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, "flaky", stored.ErrorMessage)
}

func TestMemoryBackendPermanentFailure(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))

	_, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)

	require.NoError(t, b.FailJob(ctx, j.ID, "w1", "unknown symbol", false))

	stored, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestMemoryBackendRetryBackoffDelaysRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))

	_, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)
	require.NoError(t, b.FailJob(ctx, j.ID, "w1", "flaky", true))

	// Not yet eligible: backoff gate in the future
	claimed, err := b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// After the backoff window it becomes claimable again
	b.SetClock(func() time.Time { return time.Now().Add(time.Minute) })
	claimed, err = b.GetNextJob(ctx, "w1", []string{"price_update"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.AttemptCount)
	assert.Equal(t, job.StatusClaimed, claimed.Status)
}

func TestMemoryBackendHeartbeatStaleness(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	info := job.NewWorkerInfo([]string{"price_update"}, 1)
	require.NoError(t, b.RegisterWorker(ctx, info))

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))
	_, err := b.GetNextJob(ctx, info.WorkerID, []string{"price_update"})
	require.NoError(t, err)

	// Fresh heartbeat: nothing to reclaim
	n, err := b.ReclaimStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Worker goes silent past the threshold
	b.SetClock(func() time.Time { return time.Now().Add(3 * time.Minute) })
	n, err = b.ReclaimStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, stored.Status)
	assert.Empty(t, stored.WorkerID)
	assert.Equal(t, "worker heartbeat expired", stored.ErrorMessage)

	// The reclaimed job is claimable by another worker
	claimed, err := b.GetNextJob(ctx, "w2", []string{"price_update"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)
}

func TestMemoryBackendHeartbeatKeepsClaimAlive(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	info := job.NewWorkerInfo([]string{"price_update"}, 1)
	require.NoError(t, b.RegisterWorker(ctx, info))

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))
	_, err := b.GetNextJob(ctx, info.WorkerID, []string{"price_update"})
	require.NoError(t, err)

	// Heartbeat arrives inside the stale window; sweep finds nothing
	b.SetClock(func() time.Time { return time.Now().Add(90 * time.Second) })
	require.NoError(t, b.UpdateWorkerHeartbeat(ctx, info.WorkerID))

	n, err := b.ReclaimStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryBackendHeartbeatUnknownWorker(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	err := b.UpdateWorkerHeartbeat(ctx, "ghost")
	assert.ErrorIs(t, err, job.ErrWorkerNotFound)
}

func TestMemoryBackendReRegisterSameID(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	info := job.NewWorkerInfo([]string{"price_update"}, 1)
	require.NoError(t, b.RegisterWorker(ctx, info))
	require.NoError(t, b.RegisterWorker(ctx, info))

	workers, err := b.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestMemoryBackendUnregisterLeavesClaims(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	info := job.NewWorkerInfo([]string{"price_update"}, 1)
	require.NoError(t, b.RegisterWorker(ctx, info))

	j := job.New("price_update", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, j))
	_, err := b.GetNextJob(ctx, info.WorkerID, []string{"price_update"})
	require.NoError(t, err)

	// Unregister does not touch the claimed job; the sweep does
	require.NoError(t, b.UnregisterWorker(ctx, info.WorkerID))

	stored, err := b.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusClaimed, stored.Status)

	n, err := b.ReclaimStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBackendListJobs(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(testPolicy(), testLogger())

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		j := job.New("price_update", nil, 3)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, b.EnqueueJob(ctx, j))
	}
	other := job.New("data_import", nil, 3)
	require.NoError(t, b.EnqueueJob(ctx, other))

	jobs, err := b.ListJobs(ctx, JobFilter{JobType: "price_update", PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, jobs, 5)

	// Newest first
	for i := 1; i < len(jobs); i++ {
		assert.True(t, !jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
	}

	jobs, err = b.ListJobs(ctx, JobFilter{Status: job.StatusPending, PageSize: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(jobs), 4) // page + 1 overflow row
}

func TestFactoryMemoryBackend(t *testing.T) {
	cfgYAML := validFactoryConfig()
	b, err := New(cfgYAML, testLogger())
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Close()

	_, ok := b.(*MemoryBackend)
	assert.True(t, ok)

	_, isStore := b.(Store)
	assert.True(t, isStore)
}

func TestFactoryUnknownBackend(t *testing.T) {
	cfg := validFactoryConfig()
	cfg.Queue.Backend = "kafka"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue backend")
}
