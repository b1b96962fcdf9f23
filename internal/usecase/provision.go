package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/forgestack/agentd/internal/domain"
)

// ProvisionService registers projects and agents. Registration is an HTTP
// concern; the dispatcher only ever reads these rows.
type ProvisionService struct {
	Projects domain.ProjectRepository
	Agents   domain.AgentRepository
}

// NewProvisionService constructs a ProvisionService.
func NewProvisionService(p domain.ProjectRepository, a domain.AgentRepository) ProvisionService {
	return ProvisionService{Projects: p, Agents: a}
}

// CreateProject registers a project with an optional budget cap.
func (s ProvisionService) CreateProject(ctx domain.Context, name string, budget *float64) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if budget != nil && *budget < 0 {
		return domain.Project{}, fmt.Errorf("%w: budget must not be negative", domain.ErrInvalidArgument)
	}
	p := domain.Project{
		Name:            strings.TrimSpace(name),
		BudgetAllocated: budget,
		CreatedAt:       time.Now().UTC(),
	}
	id, err := s.Projects.Create(ctx, p)
	if err != nil {
		return domain.Project{}, err
	}
	p.ID = id
	return p, nil
}

// CreateAgent registers an agent of one of the built-in profile types.
func (s ProvisionService) CreateAgent(ctx domain.Context, a domain.Agent) (domain.Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return domain.Agent{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	if _, ok := domain.Profiles()[a.Type]; !ok {
		return domain.Agent{}, fmt.Errorf("%w: unknown agent type %q", domain.ErrInvalidArgument, a.Type)
	}
	if a.Provider == "" || a.Model == "" {
		return domain.Agent{}, fmt.Errorf("%w: provider and model required", domain.ErrInvalidArgument)
	}
	a.Status = domain.AgentIdle
	id, err := s.Agents.Create(ctx, a)
	if err != nil {
		return domain.Agent{}, err
	}
	a.ID = id
	return a, nil
}
