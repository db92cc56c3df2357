package backend

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/job"
)

func TestJobHashRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	j := &job.Job{
		ID:           "j1",
		JobType:      "price_update",
		Payload:      json.RawMessage(`{"symbol":"AAPL"}`),
		Status:       job.StatusPending,
		AttemptCount: 2,
		MaxAttempts:  3,
		WorkerID:     "w1",
		ErrorMessage: "previous timeout",
		RunAfter:     now,
		CreatedAt:    now.Add(-time.Minute),
		UpdatedAt:    now,
	}

	fields := jobFields(j)

	// HGETALL returns everything as strings
	asStrings := make(map[string]string, len(fields))
	for k, v := range fields {
		switch value := v.(type) {
		case string:
			asStrings[k] = value
		case int:
			asStrings[k] = strconv.Itoa(value)
		case int64:
			asStrings[k] = strconv.FormatInt(value, 10)
		}
	}

	decoded, err := jobFromHash("j1", asStrings)
	require.NoError(t, err)

	assert.Equal(t, j.ID, decoded.ID)
	assert.Equal(t, j.JobType, decoded.JobType)
	assert.JSONEq(t, string(j.Payload), string(decoded.Payload))
	assert.Equal(t, j.Status, decoded.Status)
	assert.Equal(t, j.AttemptCount, decoded.AttemptCount)
	assert.Equal(t, j.MaxAttempts, decoded.MaxAttempts)
	assert.Equal(t, j.WorkerID, decoded.WorkerID)
	assert.Equal(t, j.ErrorMessage, decoded.ErrorMessage)
	assert.True(t, j.RunAfter.Equal(decoded.RunAfter))
	assert.True(t, j.CreatedAt.Equal(decoded.CreatedAt))
	assert.Nil(t, decoded.ClaimedAt)
	assert.Nil(t, decoded.CompletedAt)
}

func TestJobFromHashMissing(t *testing.T) {
	_, err := jobFromHash("ghost", map[string]string{})
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestJobFromHashOptionalTimestamps(t *testing.T) {
	now := time.Now().UTC()
	fields := map[string]string{
		"job_type":      "price_update",
		"status":        job.StatusCompleted,
		"attempt_count": "1",
		"max_attempts":  "3",
		"claimed_at":    strconv.FormatInt(now.UnixNano(), 10),
		"completed_at":  strconv.FormatInt(now.UnixNano(), 10),
		"result":        `{"ok":true}`,
	}

	decoded, err := jobFromHash("j1", fields)
	require.NoError(t, err)

	require.NotNil(t, decoded.ClaimedAt)
	require.NotNil(t, decoded.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(decoded.Result))
}
