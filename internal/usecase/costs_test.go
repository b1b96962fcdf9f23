package usecase

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/agentd/internal/domain"
)

func costFixture(t *testing.T, budget *float64) (CostService, *fakeJobs) {
	t.Helper()
	jobs := newFakeJobs()
	projects := newFakeProjects()
	projects.put(domain.Project{ID: "p1", Name: "demo", BudgetAllocated: budget})
	return NewCostService(jobs, projects), jobs
}

func TestCosts_ReportCountsFailedSpend(t *testing.T) {
	svc, jobs := costFixture(t, nil)
	jobs.put(domain.Job{ID: "a", ProjectID: "p1", Status: domain.JobCompleted, ActualCost: 0.30})
	jobs.put(domain.Job{ID: "b", ProjectID: "p1", Status: domain.JobDeadLetter, ActualCost: 0.10})
	jobs.put(domain.Job{ID: "c", ProjectID: "other", Status: domain.JobCompleted, ActualCost: 9.99})

	rep, err := svc.Report(t.Context(), "p1", nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.40, rep.TotalCost, 1e-9)
	assert.EqualValues(t, 2, rep.TotalJobs)
	assert.EqualValues(t, 1, rep.Completed)
	assert.EqualValues(t, 1, rep.Failed)
	assert.InDelta(t, 0.20, rep.AveragePerJob, 1e-9)
}

func TestCosts_ReportRejectsInvertedPeriod(t *testing.T) {
	svc, _ := costFixture(t, nil)
	from := time.Now()
	to := from.Add(-time.Hour)
	_, err := svc.Report(t.Context(), "p1", &from, &to)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCosts_BudgetThresholds(t *testing.T) {
	tests := []struct {
		name  string
		spent float64
		want  domain.BudgetStatus
	}{
		{name: "ok", spent: 7.99, want: domain.BudgetOK},
		{name: "warning at 80", spent: 8.00, want: domain.BudgetWarning},
		{name: "critical at 95", spent: 9.50, want: domain.BudgetCritical},
		{name: "exceeded at 100", spent: 10.00, want: domain.BudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget := 10.0
			svc, jobs := costFixture(t, &budget)
			jobs.put(domain.Job{ID: "a", ProjectID: "p1", Status: domain.JobCompleted, ActualCost: tt.spent})

			snap, err := svc.Budget(t.Context(), "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Status)
		})
	}
}

func TestCosts_NoBudgetNeverRestricts(t *testing.T) {
	svc, jobs := costFixture(t, nil)
	jobs.put(domain.Job{ID: "a", ProjectID: "p1", Status: domain.JobCompleted, ActualCost: 12345})

	snap, err := svc.Budget(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetOK, snap.Status)
	assert.True(t, math.IsInf(snap.Remaining, 1))
	require.NoError(t, svc.Admit(t.Context(), "p1"))
}

func TestCosts_AdmitDeniesExhausted(t *testing.T) {
	budget := 1.0
	svc, jobs := costFixture(t, &budget)
	jobs.put(domain.Job{ID: "a", ProjectID: "p1", Status: domain.JobCompleted, ActualCost: 1.0})

	err := svc.Admit(t.Context(), "p1")
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestCosts_UnknownProject(t *testing.T) {
	svc, _ := costFixture(t, nil)
	_, err := svc.Budget(t.Context(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
