package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
	"github.com/forgestack/agentd/internal/usecase"
)

// Server aggregates handler dependencies for the public API.
type Server struct {
	Cfg         config.Config
	Enqueue     usecase.EnqueueService
	Costs       usecase.CostService
	Provision   usecase.ProvisionService
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	DockerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, enq usecase.EnqueueService, costs usecase.CostService, prov usecase.ProvisionService, dbCheck, redisCheck, dockerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Enqueue: enq, Costs: costs, Provision: prov, DBCheck: dbCheck, RedisCheck: redisCheck, DockerCheck: dockerCheck}
}

// MountRoutes mounts the public API routes. Middlewares (rate limiting,
// CORS, metrics) are applied by the caller so tests can mount bare routes.
func (s *Server) MountRoutes(r chi.Router) {
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/jobs", s.CreateJobHandler())
		v1.Get("/jobs/{id}", s.GetJobHandler())
		v1.Post("/projects", s.CreateProjectHandler())
		v1.Post("/agents", s.CreateAgentHandler())
		v1.Get("/projects/{id}/costs", s.CostReportHandler())
		v1.Get("/projects/{id}/budget", s.BudgetHandler())
	})
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON enforces Accept negotiation; only JSON responses are supported.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

// decodeJSON caps the body, decodes into dst and runs struct validation.
// The returned details map is non-nil when validation failed.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return nil, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil, nil
}

type createJobRequest struct {
	ProjectID string `json:"project_id" validate:"required,uuid4"`
	Type      string `json:"type" validate:"required,oneof=design implement review test deploy monitor"`
	Payload   struct {
		Description    string          `json:"description" validate:"required,max=10000"`
		RepoURL        string          `json:"repo_url" validate:"omitempty,max=2000"`
		Context        json.RawMessage `json:"context"`
		Provider       string          `json:"provider" validate:"omitempty,oneof=anthropic openai groq xai google"`
		Model          string          `json:"model" validate:"omitempty,max=200"`
		TimeoutSeconds int             `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
	} `json:"payload" validate:"required"`
	AgentID    *string `json:"agent_id" validate:"omitempty,uuid4"`
	MaxRetries *int    `json:"max_retries" validate:"omitempty,min=0,max=10"`
}

// CreateJobHandler validates a submission and enqueues the job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req createJobRequest
		details, err := s.decodeJSON(w, r, &req)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		job, err := s.Enqueue.Enqueue(r.Context(), usecase.EnqueueRequest{
			ProjectID: req.ProjectID,
			Type:      domain.JobType(req.Type),
			Payload: domain.JobPayload{
				Description:    req.Payload.Description,
				RepoURL:        req.Payload.RepoURL,
				Context:        req.Payload.Context,
				Provider:       req.Payload.Provider,
				Model:          req.Payload.Model,
				TimeoutSeconds: req.Payload.TimeoutSeconds,
			},
			AgentID:    req.AgentID,
			MaxRetries: req.MaxRetries,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, jobResponse(job))
	}
}

// GetJobHandler returns the current job row including status and result.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if v := ValidateJobID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		job, err := s.Enqueue.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	}
}

type createProjectRequest struct {
	Name   string   `json:"name" validate:"required,max=200"`
	Budget *float64 `json:"budget" validate:"omitempty,gte=0"`
}

// CreateProjectHandler provisions a project with an optional budget.
func (s *Server) CreateProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req createProjectRequest
		details, err := s.decodeJSON(w, r, &req)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		p, err := s.Provision.CreateProject(r.Context(), req.Name, req.Budget)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":               p.ID,
			"name":             p.Name,
			"budget_allocated": p.BudgetAllocated,
			"created_at":       p.CreatedAt,
		})
	}
}

type createAgentRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Type     string `json:"type" validate:"required,oneof=architect coding testing deployment monitoring"`
	Provider string `json:"provider" validate:"required,oneof=anthropic openai groq xai google"`
	Model    string `json:"model" validate:"required,max=200"`
	Priority int    `json:"priority" validate:"omitempty,min=0,max=100"`
}

// CreateAgentHandler registers an agent the dispatcher may assign jobs to.
func (s *Server) CreateAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req createAgentRequest
		details, err := s.decodeJSON(w, r, &req)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		a, err := s.Provision.CreateAgent(r.Context(), domain.Agent{
			Name:     req.Name,
			Type:     req.Type,
			Provider: req.Provider,
			Model:    req.Model,
			Priority: req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":       a.ID,
			"name":     a.Name,
			"type":     a.Type,
			"provider": a.Provider,
			"model":    a.Model,
			"status":   string(a.Status),
			"priority": a.Priority,
		})
	}
}

// CostReportHandler aggregates project spend for an optional period.
// Monetary values are rounded to cents at this boundary only.
func (s *Server) CostReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		projectID := chi.URLParam(r, "id")
		from, err := parseTimeParam(r, "from")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		to, err := parseTimeParam(r, "to")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		rep, err := s.Costs.Report(r.Context(), projectID, from, to)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"project_id":      projectID,
			"total_cost":      round2(rep.TotalCost),
			"total_jobs":      rep.TotalJobs,
			"completed":       rep.Completed,
			"failed":          rep.Failed,
			"average_per_job": round2(rep.AveragePerJob),
		})
	}
}

// BudgetHandler returns the project's budget snapshot. A project without a
// budget reports ok with no remaining figure.
func (s *Server) BudgetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		projectID := chi.URLParam(r, "id")
		snap, err := s.Costs.Budget(r.Context(), projectID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{
			"project_id": projectID,
			"status":     string(snap.Status),
			"spent":      round2(snap.Spent),
		}
		// Remaining is +Inf without a budget; JSON cannot carry that.
		if snap.Budget != nil {
			resp["budget"] = *snap.Budget
			resp["remaining"] = round2(snap.Remaining)
			resp["used_percent"] = round2(snap.UsedPercent)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database, Redis and the Docker daemon.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"docker", s.DockerCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

type jobTokens struct {
	In    int64 `json:"in"`
	Out   int64 `json:"out"`
	Total int64 `json:"total"`
}

type jobDTO struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	AgentID           *string           `json:"agent_id,omitempty"`
	Type              string            `json:"type"`
	Status            string            `json:"status"`
	Payload           domain.JobPayload `json:"payload"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	LastError         *string           `json:"last_error,omitempty"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
	Tokens            jobTokens         `json:"tokens"`
	EstimatedCost     float64           `json:"estimated_cost"`
	ActualCost        float64           `json:"actual_cost"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds   *float64          `json:"duration_seconds,omitempty"`
	Result            json.RawMessage   `json:"result,omitempty"`
	CancelRequestedAt *time.Time        `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func jobResponse(j domain.Job) jobDTO {
	return jobDTO{
		ID:                j.ID,
		ProjectID:         j.ProjectID,
		AgentID:           j.AgentID,
		Type:              string(j.Type),
		Status:            string(j.Status),
		Payload:           j.Payload,
		RetryCount:        j.RetryCount,
		MaxRetries:        j.MaxRetries,
		FailureReason:     j.FailureReason,
		LastError:         j.LastError,
		NextRetryAt:       j.NextRetryAt,
		Tokens:            jobTokens{In: j.TokensIn, Out: j.TokensOut, Total: j.TokensTotal},
		EstimatedCost:     j.EstimatedCost,
		ActualCost:        j.ActualCost,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		DurationSeconds:   j.DurationSeconds,
		Result:            j.Result,
		CancelRequestedAt: j.CancelRequestedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrInvalidArgument, name)
	}
	return &t, nil
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
