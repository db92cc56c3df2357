package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/jobrunner/internal/job"
)

func noopFunc(jobType string) Func {
	return Func{
		Type: jobType,
		Fn: func(ctx context.Context, j *job.Job) (job.Result, error) {
			return job.Result{}, nil
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(noopFunc("price_update"))
	require.NoError(t, err)

	p, err := reg.Lookup("price_update")
	require.NoError(t, err)
	assert.Equal(t, "price_update", p.JobType())
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(noopFunc("price_update")))
	err := reg.Register(noopFunc("price_update"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryEmptyJobType(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(noopFunc(""))
	assert.Error(t, err)
}

func TestRegistryLookupUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Lookup("nope")
	assert.ErrorIs(t, err, job.ErrNoProcessor)
}

func TestRegistryJobTypesSorted(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(noopFunc("report_generate")))
	require.NoError(t, reg.Register(noopFunc("price_update")))
	require.NoError(t, reg.Register(noopFunc("data_import")))

	assert.Equal(t, []string{"data_import", "price_update", "report_generate"}, reg.JobTypes())
}
