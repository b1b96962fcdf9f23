package usecase

import (
	"fmt"
	"time"

	"github.com/forgestack/agentd/internal/domain"
)

// CostService answers cost and budget questions from the job rows. Totals
// are always derived; nothing here writes.
type CostService struct {
	Jobs     domain.JobRepository
	Projects domain.ProjectRepository
}

// NewCostService constructs a CostService.
func NewCostService(j domain.JobRepository, p domain.ProjectRepository) CostService {
	return CostService{Jobs: j, Projects: p}
}

// Report aggregates a project's spend over an optional period. Failed and
// dead-lettered jobs count: their tokens were bought.
func (s CostService) Report(ctx domain.Context, projectID string, from, to *time.Time) (domain.CostReport, error) {
	if projectID == "" {
		return domain.CostReport{}, fmt.Errorf("%w: project_id required", domain.ErrInvalidArgument)
	}
	if from != nil && to != nil && to.Before(*from) {
		return domain.CostReport{}, fmt.Errorf("%w: period end before start", domain.ErrInvalidArgument)
	}
	if _, err := s.Projects.Get(ctx, projectID); err != nil {
		return domain.CostReport{}, err
	}
	return s.Jobs.ProjectPeriod(ctx, projectID, from, to)
}

// Budget classifies a project's lifetime spend against its allocation.
func (s CostService) Budget(ctx domain.Context, projectID string) (domain.BudgetSnapshot, error) {
	if projectID == "" {
		return domain.BudgetSnapshot{}, fmt.Errorf("%w: project_id required", domain.ErrInvalidArgument)
	}
	project, err := s.Projects.Get(ctx, projectID)
	if err != nil {
		return domain.BudgetSnapshot{}, err
	}
	spent, err := s.Jobs.ProjectActualCost(ctx, projectID)
	if err != nil {
		return domain.BudgetSnapshot{}, err
	}
	return domain.ClassifyBudget(spent, project.BudgetAllocated), nil
}

// Admit returns ErrBudgetExceeded when the project must not start new work.
// The dispatcher calls this before any provider spend.
func (s CostService) Admit(ctx domain.Context, projectID string) error {
	snap, err := s.Budget(ctx, projectID)
	if err != nil {
		return err
	}
	if snap.Exhausted() {
		return fmt.Errorf("op=usecase.Admit project=%s spent=%.4f: %w", projectID, snap.Spent, domain.ErrBudgetExceeded)
	}
	return nil
}
