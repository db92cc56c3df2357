// Package processor defines the seam where job business logic plugs into
// the worker. Processors never talk to the queue backend; the worker owns
// all of that, so processor unit tests never need a live queue.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quantfolio/jobrunner/internal/job"
)

// Processor executes jobs of one type. Errors should be classified with
// job.Transient or job.Permanent; unclassified errors are treated as
// permanent. Payloads are read-only; the only guarantee a processor may
// assume is that its worker currently holds the claim.
type Processor interface {
	JobType() string
	Execute(ctx context.Context, j *job.Job) (job.Result, error)
}

// Registry maps job types to their processors. Populated at worker
// startup, read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
	}
}

// Register adds a processor. Duplicate or empty job types are errors.
func (r *Registry) Register(p Processor) error {
	jobType := p.JobType()
	if jobType == "" {
		return fmt.Errorf("processor has empty job type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[jobType]; exists {
		return fmt.Errorf("processor already registered for job type %q", jobType)
	}

	r.processors[jobType] = p
	return nil
}

// Lookup returns the processor for a job type
func (r *Registry) Lookup(jobType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", job.ErrNoProcessor, jobType)
	}
	return p, nil
}

// JobTypes returns the registered job types in sorted order.
// This is the worker's capability set.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.processors))
	for jobType := range r.processors {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// Func adapts a function to the Processor interface
type Func struct {
	Type string
	Fn   func(ctx context.Context, j *job.Job) (job.Result, error)
}

func (f Func) JobType() string {
	return f.Type
}

func (f Func) Execute(ctx context.Context, j *job.Job) (job.Result, error) {
	return f.Fn(ctx, j)
}
