package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/forgestack/agentd/internal/domain"
)

const agentColumns = `id, name, type, provider, model, status, current_job_id, last_heartbeat, maintenance, priority`

// AgentRepo reads and updates agent registrations. The HTTP layer owns
// registration; the dispatcher reads rows for selection and flips status
// around a run.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo with the given pool.
func NewAgentRepo(p PgxPool) *AgentRepo { return &AgentRepo{Pool: p} }

// Create registers an agent and returns its id.
func (r *AgentRepo) Create(ctx domain.Context, a domain.Agent) (string, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := a.Status
	if status == "" {
		status = domain.AgentIdle
	}
	q := `INSERT INTO agents (id, name, type, provider, model, status, maintenance, priority, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, a.Name, a.Type, a.Provider, a.Model, status, a.Maintenance, a.Priority, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=agent.create: %w", err)
	}
	return id, nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx domain.Context, id string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	return scanAgent(row, "agent.get")
}

// PickIdle returns the highest-priority idle, non-maintenance agent of the
// given type. Heartbeat breaks priority ties so stale registrations lose.
func (r *AgentRepo) PickIdle(ctx domain.Context, agentType string) (domain.Agent, error) {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.PickIdle")
	defer span.End()
	q := `SELECT ` + agentColumns + ` FROM agents
		WHERE type=$1 AND status=$2 AND NOT maintenance
		ORDER BY priority DESC, last_heartbeat DESC NULLS LAST
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, agentType, domain.AgentIdle)
	return scanAgent(row, "agent.pick_idle")
}

// MarkBusy assigns the agent to a job. Conditional on idle so two workers
// racing for the same agent cannot both win it.
func (r *AgentRepo) MarkBusy(ctx domain.Context, id, jobID string, at time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkBusy")
	defer span.End()
	q := `UPDATE agents SET status=$2, current_job_id=$3, last_heartbeat=$4 WHERE id=$1 AND status=$5`
	tag, err := r.Pool.Exec(ctx, q, id, domain.AgentBusy, jobID, at.UTC(), domain.AgentIdle)
	if err != nil {
		return fmt.Errorf("op=agent.mark_busy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=agent.mark_busy id=%s not idle: %w", id, domain.ErrConflict)
	}
	return nil
}

// MarkIdle releases the agent after a run.
func (r *AgentRepo) MarkIdle(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.MarkIdle")
	defer span.End()
	q := `UPDATE agents SET status=$2, current_job_id=NULL, last_heartbeat=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.AgentIdle, at.UTC())
	if err != nil {
		return fmt.Errorf("op=agent.mark_idle: %w", err)
	}
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp mid-run.
func (r *AgentRepo) Heartbeat(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.agents")
	ctx, span := tracer.Start(ctx, "agents.Heartbeat")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE agents SET last_heartbeat=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=agent.heartbeat: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row, op string) (domain.Agent, error) {
	var a domain.Agent
	if err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.Provider, &a.Model, &a.Status,
		&a.CurrentJobID, &a.LastHeartbeat, &a.Maintenance, &a.Priority,
	); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Agent{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return a, nil
}
