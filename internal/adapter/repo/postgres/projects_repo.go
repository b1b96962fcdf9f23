package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/forgestack/agentd/internal/domain"
)

// ProjectRepo persists and loads projects.
type ProjectRepo struct{ Pool PgxPool }

// NewProjectRepo constructs a ProjectRepo with the given pool.
func NewProjectRepo(p PgxPool) *ProjectRepo { return &ProjectRepo{Pool: p} }

// Create inserts a project and returns its id.
func (r *ProjectRepo) Create(ctx domain.Context, p domain.Project) (string, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Create")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO projects (id, name, budget_allocated, created_at) VALUES ($1,$2,$3,$4)`
	_, err := r.Pool.Exec(ctx, q, id, p.Name, p.BudgetAllocated, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=project.create: %w", err)
	}
	return id, nil
}

// Get loads a project by id.
func (r *ProjectRepo) Get(ctx domain.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT id, name, budget_allocated, created_at FROM projects WHERE id=$1`, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.BudgetAllocated, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Project{}, fmt.Errorf("op=project.get: %w", domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=project.get: %w", err)
	}
	return p, nil
}
