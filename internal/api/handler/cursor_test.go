package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/backend"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &backend.JobCursor{
		CreatedAt: time.Now().UnixNano(),
		JobID:     "550e8400-e29b-41d4-a716-446655440000",
	}

	encoded := EncodeJobCursor(cursor)
	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, cursor.CreatedAt, decoded.CreatedAt)
	assert.Equal(t, cursor.JobID, decoded.JobID)
}

func TestDecodeJobCursorEmpty(t *testing.T) {
	decoded, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeJobCursorInvalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "!!not-base64!!"},
		{name: "missing separator", cursor: "MTIzNDU2Nzg5"},
		{name: "non-numeric timestamp", cursor: "YWJjfGpvYi0x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
