// Package usecase contains the application services: job intake, cost and
// budget reporting, the agent execution loop, the dispatcher that settles
// attempts, and the admin operations. Services depend only on the domain
// ports; adapters are wired in at the binaries.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/domain"
)

// TokenEstimator prices a prompt before any provider call. Estimates are
// advisory; enqueue must succeed even when estimation cannot.
type TokenEstimator interface {
	EstimateUsage(prompt, model string) (tokensIn, tokensOut int64)
}

// EnqueueRequest is a validated job submission.
type EnqueueRequest struct {
	ProjectID  string
	Type       domain.JobType
	Payload    domain.JobPayload
	AgentID    *string
	MaxRetries *int
}

// EnqueueService creates job rows and publishes them to the incoming queue.
type EnqueueService struct {
	Jobs       domain.JobRepository
	Projects   domain.ProjectRepository
	Queue      domain.JobQueue
	Prices     domain.PriceTable
	Estimator  TokenEstimator
	Events     domain.EventSink
	Costs      CostService
	Defaults   ProviderDefaults
	MaxRetries int
}

// ProviderDefaults names the deployment-wide provider and model used when
// neither the payload nor an agent supplies one.
type ProviderDefaults struct {
	Provider string
	Model    string
}

// NewEnqueueService constructs an EnqueueService with its dependencies.
func NewEnqueueService(j domain.JobRepository, p domain.ProjectRepository, q domain.JobQueue, prices domain.PriceTable, est TokenEstimator, events domain.EventSink, defaults ProviderDefaults, maxRetries int) EnqueueService {
	if events == nil {
		events = domain.NoopEventSink{}
	}
	return EnqueueService{
		Jobs: j, Projects: p, Queue: q,
		Prices: prices, Estimator: est, Events: events,
		Costs:    NewCostService(j, p),
		Defaults: defaults, MaxRetries: maxRetries,
	}
}

// Enqueue validates the request, records the job as pending, and publishes
// its envelope. The row is the record of truth; the envelope carries only
// identity.
func (s EnqueueService) Enqueue(ctx domain.Context, req EnqueueRequest) (domain.Job, error) {
	if req.ProjectID == "" {
		return domain.Job{}, fmt.Errorf("%w: project_id required", domain.ErrInvalidArgument)
	}
	if !req.Type.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, req.Type)
	}
	if strings.TrimSpace(req.Payload.Description) == "" {
		return domain.Job{}, fmt.Errorf("%w: payload description required", domain.ErrInvalidArgument)
	}
	// Budget gate at the door: an exhausted project is refused before a
	// row exists. The dispatcher re-checks at execution time, since spend
	// moves between submission and the attempt.
	if err := s.Costs.Admit(ctx, req.ProjectID); err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.Enqueue project=%s: %w", req.ProjectID, err)
	}

	now := time.Now().UTC()
	j := domain.Job{
		ProjectID:  req.ProjectID,
		AgentID:    req.AgentID,
		Type:       req.Type,
		Payload:    req.Payload,
		Status:     domain.JobPending,
		MaxRetries: s.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.MaxRetries != nil {
		j.MaxRetries = *req.MaxRetries
	}
	j.EstimatedCost = s.estimate(req.Payload)

	id, err := s.Jobs.Create(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = id

	if err := s.Queue.Enqueue(ctx, domain.QueueEnvelope{JobID: id, Attempt: 1}); err != nil {
		// The row stays pending; the stuck-job sweeper or an admin re-drive
		// can republish it.
		return domain.Job{}, fmt.Errorf("op=usecase.Enqueue publish job=%s: %w", id, err)
	}

	observability.EnqueueJob(string(j.Type))
	s.Events.Publish(ctx, domain.JobEvent{
		JobID: id, ProjectID: j.ProjectID, Type: j.Type,
		To: domain.JobPending, At: now,
	})
	slog.Info("job enqueued",
		slog.String("job_id", id),
		slog.String("project_id", j.ProjectID),
		slog.String("type", string(j.Type)),
		slog.Float64("estimated_cost", j.EstimatedCost))
	return j, nil
}

// estimate prices the task text with a symmetric output assumption. Any
// failure degrades to a zero estimate.
func (s EnqueueService) estimate(p domain.JobPayload) float64 {
	if s.Estimator == nil {
		return 0
	}
	provider := p.Provider
	model := p.Model
	if provider == "" {
		provider = s.Defaults.Provider
	}
	if model == "" {
		model = s.Defaults.Model
	}
	prompt := p.Description
	if len(p.Context) > 0 {
		prompt += "\n" + string(p.Context)
	}
	in, out := s.Estimator.EstimateUsage(prompt, model)
	cost, err := s.Prices.Cost(provider, model, domain.Usage{TokensIn: in, TokensOut: out})
	if err != nil {
		return 0
	}
	return cost
}

// GetJob returns one job row.
func (s EnqueueService) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Jobs.Get(ctx, id)
}
