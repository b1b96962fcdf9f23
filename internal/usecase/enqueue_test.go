package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/agentd/internal/domain"
)

func enqueueFixture(t *testing.T) (EnqueueService, *fakeJobs, *fakeQueue, *captureSink) {
	t.Helper()
	jobs := newFakeJobs()
	projects := newFakeProjects()
	projects.put(domain.Project{ID: "p1", Name: "demo"})
	queue := newFakeQueue()
	sink := &captureSink{}
	svc := NewEnqueueService(
		jobs, projects, queue, domain.DefaultPriceTable(),
		fixedEstimator{in: 1000, out: 1000}, sink,
		ProviderDefaults{Provider: "anthropic", Model: "claude-sonnet-4-0"}, 3,
	)
	return svc, jobs, queue, sink
}

func TestEnqueue_CreatesRowAndPublishes(t *testing.T) {
	svc, jobs, queue, sink := enqueueFixture(t)

	job, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID: "p1",
		Type:      domain.JobTypeImplement,
		Payload:   domain.JobPayload{Description: "wire up the metrics endpoint"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	row := jobs.get(job.ID)
	assert.Equal(t, domain.JobPending, row.Status)
	assert.Equal(t, 3, row.MaxRetries)
	// 1000 in + 1000 out at sonnet rates: 0.003 + 0.015
	assert.InDelta(t, 0.018, row.EstimatedCost, 1e-9)

	require.Len(t, queue.incoming, 1)
	assert.Equal(t, domain.QueueEnvelope{JobID: job.ID, Attempt: 1}, queue.incoming[0])

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.JobPending, sink.events[0].To)
}

func TestEnqueue_Validation(t *testing.T) {
	svc, _, _, _ := enqueueFixture(t)
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{name: "missing project", req: EnqueueRequest{Type: domain.JobTypeImplement, Payload: domain.JobPayload{Description: "x"}}},
		{name: "bad type", req: EnqueueRequest{ProjectID: "p1", Type: "refactor", Payload: domain.JobPayload{Description: "x"}}},
		{name: "empty description", req: EnqueueRequest{ProjectID: "p1", Type: domain.JobTypeImplement, Payload: domain.JobPayload{Description: "   "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(t.Context(), tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestEnqueue_UnknownProject(t *testing.T) {
	svc, jobs, _, _ := enqueueFixture(t)
	_, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID: "nope",
		Type:      domain.JobTypeImplement,
		Payload:   domain.JobPayload{Description: "x"},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, jobs.rows)
}

func TestEnqueue_ExhaustedBudgetRefusesSubmission(t *testing.T) {
	jobs := newFakeJobs()
	projects := newFakeProjects()
	budget := 1.0
	projects.put(domain.Project{ID: "p1", Name: "demo", BudgetAllocated: &budget})
	jobs.put(domain.Job{ID: "spent", ProjectID: "p1", Status: domain.JobCompleted, ActualCost: 1.2})
	queue := newFakeQueue()
	sink := &captureSink{}
	svc := NewEnqueueService(jobs, projects, queue, domain.DefaultPriceTable(),
		fixedEstimator{in: 10, out: 10}, sink,
		ProviderDefaults{Provider: "anthropic", Model: "claude-sonnet-4-0"}, 3)

	_, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID: "p1",
		Type:      domain.JobTypeImplement,
		Payload:   domain.JobPayload{Description: "x"},
	})
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.Len(t, jobs.rows, 1, "no new row for a refused submission")
	assert.Empty(t, queue.incoming)
	assert.Empty(t, sink.events)
}

func TestEnqueue_MaxRetriesOverride(t *testing.T) {
	svc, jobs, _, _ := enqueueFixture(t)
	one := 1
	job, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID:  "p1",
		Type:       domain.JobTypeTest,
		Payload:    domain.JobPayload{Description: "x"},
		MaxRetries: &one,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, jobs.get(job.ID).MaxRetries)
}

func TestEnqueue_EstimateFailureDoesNotBlock(t *testing.T) {
	jobs := newFakeJobs()
	projects := newFakeProjects()
	projects.put(domain.Project{ID: "p1"})
	queue := newFakeQueue()
	// Empty price table and no defaults: pricing fails, enqueue must not.
	svc := NewEnqueueService(jobs, projects, queue, domain.PriceTable{},
		fixedEstimator{in: 10, out: 10}, nil, ProviderDefaults{Provider: "anthropic", Model: "m"}, 3)

	job, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID: "p1",
		Type:      domain.JobTypeDesign,
		Payload:   domain.JobPayload{Description: "sketch the schema"},
	})
	require.NoError(t, err)
	assert.Zero(t, jobs.get(job.ID).EstimatedCost)
	assert.Len(t, queue.incoming, 1)
}

func TestEnqueue_PublishFailureSurfaces(t *testing.T) {
	svc, jobs, queue, _ := enqueueFixture(t)
	queue.failOn["Enqueue"] = assert.AnError

	_, err := svc.Enqueue(t.Context(), EnqueueRequest{
		ProjectID: "p1",
		Type:      domain.JobTypeImplement,
		Payload:   domain.JobPayload{Description: "x"},
	})
	require.Error(t, err)
	// The row exists and stays pending for the sweeper or a re-drive.
	assert.Len(t, jobs.rows, 1)
}
