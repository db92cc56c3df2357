package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	policy := Policy{
		RetryBackoff:    10 * time.Second,
		RetryBackoffMax: 10 * time.Minute,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{8, 10 * time.Minute},  // capped
		{20, 10 * time.Minute}, // stays capped, no overflow
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.RetryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryDelayZeroBase(t *testing.T) {
	policy := Policy{}
	assert.Equal(t, time.Duration(0), policy.RetryDelay(5))
}

func TestExhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 3}

	assert.False(t, policy.Exhausted(2, 0))
	assert.True(t, policy.Exhausted(3, 0))
	assert.True(t, policy.Exhausted(4, 0))

	// Per-job limit overrides the queue-wide default
	assert.False(t, policy.Exhausted(4, 5))
	assert.True(t, policy.Exhausted(5, 5))
}
