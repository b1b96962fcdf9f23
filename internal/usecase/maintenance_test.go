package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/agentd/internal/domain"
)

func maintFixture(t *testing.T) (*Maintainer, *fakeJobs, *fakeQueue) {
	t.Helper()
	jobs := newFakeJobs()
	queue := newFakeQueue()
	m := NewMaintainer(jobs, queue, domain.RetryPolicy{Base: time.Minute, Max: 8 * time.Minute},
		time.Second, 30*time.Second, 5*time.Minute, 45*time.Minute)
	return m, jobs, queue
}

func TestSweepOnce_RequeuesStuckRunningJob(t *testing.T) {
	m, jobs, queue := maintFixture(t)
	jobs.put(domain.Job{
		ID: "j1", ProjectID: "p1", Type: domain.JobTypeImplement,
		Status: domain.JobRunning, RetryCount: 0, MaxRetries: 3,
		UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})

	require.NoError(t, m.SweepOnce(t.Context()))

	row := jobs.get("j1")
	assert.Equal(t, domain.JobPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	require.Len(t, queue.delayed, 1)
	assert.Equal(t, domain.QueueEnvelope{JobID: "j1", Attempt: 2}, queue.delayed[0].env)
}

func TestSweepOnce_LeavesFreshRunningJobsAlone(t *testing.T) {
	m, jobs, queue := maintFixture(t)
	jobs.put(domain.Job{
		ID: "j1", Status: domain.JobRunning, MaxRetries: 3,
		UpdatedAt: time.Now().UTC().Add(-time.Minute),
	})

	require.NoError(t, m.SweepOnce(t.Context()))

	assert.Equal(t, domain.JobRunning, jobs.get("j1").Status)
	assert.Empty(t, queue.delayed)
}

func TestSweepOnce_ExhaustedStuckJobDeadLetters(t *testing.T) {
	m, jobs, queue := maintFixture(t)
	jobs.put(domain.Job{
		ID: "j1", Type: domain.JobTypeDeploy,
		Status: domain.JobRunning, RetryCount: 3, MaxRetries: 3,
		UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})

	require.NoError(t, m.SweepOnce(t.Context()))

	row := jobs.get("j1")
	assert.Equal(t, domain.JobDeadLetter, row.Status)
	require.NotNil(t, row.FailureReason)
	assert.Contains(t, *row.FailureReason, "max retries (3) exceeded")
	require.Len(t, queue.dead, 1)
	assert.Equal(t, 4, queue.dead[0].Attempt)
}
