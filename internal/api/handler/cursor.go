package handler

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/quantfolio/jobrunner/internal/backend"
)

// DecodeJobCursor parses the opaque pagination cursor handed back by a
// previous ListJobs response. An empty cursor means the first page.
func DecodeJobCursor(cursorStr string) (*backend.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &backend.JobCursor{
		CreatedAt: createdAt,
		JobID:     decodedParts[1],
	}, nil
}

// EncodeJobCursor builds the opaque cursor for the next page
func EncodeJobCursor(cursor *backend.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt, cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
