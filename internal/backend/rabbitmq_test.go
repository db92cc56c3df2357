package backend

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptHeaderRoundTrip(t *testing.T) {
	headers := envelopeHeaders(2)
	assert.Equal(t, 2, attemptFromHeaders(headers))
}

func TestAttemptFromHeadersVariants(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"missing header", amqp.Table{}, 0},
		{"nil table", nil, 0},
		{"int32 value", amqp.Table{attemptHeader: int32(3)}, 3},
		{"int64 value", amqp.Table{attemptHeader: int64(4)}, 4},
		{"int value", amqp.Table{attemptHeader: 5}, 5},
		{"wrong type", amqp.Table{attemptHeader: "7"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptFromHeaders(tt.headers))
		})
	}
}

func TestJobEnvelopeRoundTrip(t *testing.T) {
	envelope := &jobEnvelope{
		JobID:       "j1",
		JobType:     "price_update",
		Payload:     json.RawMessage(`{"symbol":"AAPL"}`),
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded jobEnvelope
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, envelope.JobID, decoded.JobID)
	assert.Equal(t, envelope.JobType, decoded.JobType)
	assert.JSONEq(t, string(envelope.Payload), string(decoded.Payload))
	assert.Equal(t, envelope.MaxAttempts, decoded.MaxAttempts)
	assert.True(t, envelope.CreatedAt.Equal(decoded.CreatedAt))
}
