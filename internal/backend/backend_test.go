package backend

import (
	"time"

	"github.com/quantfolio/jobrunner/internal/config"
)

// validFactoryConfig returns a config selecting the memory backend
func validFactoryConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			Backend:         config.BackendMemory,
			MaxAttempts:     3,
			StaleAfter:      2 * time.Minute,
			ReclaimInterval: time.Minute,
			RetryBackoff:    10 * time.Second,
			RetryBackoffMax: 10 * time.Minute,
		},
	}
}
