package handler

import (
	"log/slog"

	"github.com/quantfolio/jobrunner/internal/backend"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Backend backend.Backend
}

// JobHandler handles job-related HTTP requests. Read endpoints are only
// available when the backend exposes queryable state.
type JobHandler struct {
	logger  *slog.Logger
	backend backend.Backend
	store   backend.Store
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:  deps.Logger,
		backend: deps.Backend,
	}
	if store, ok := deps.Backend.(backend.Store); ok {
		h.store = store
	}
	return h
}
