// Package domain defines the core entities, ports, and invariants of the
// job lifecycle subsystem: jobs, projects, agents, queue envelopes, the
// canonical provider chat shapes, pricing, and the retry policy.
//
// Adapters (postgres, redis, docker, LLM providers) implement the ports
// declared here; usecases depend only on this package.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias to the standard context to keep port signatures short.
type Context = context.Context

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// JobPending means the job is waiting in the incoming queue.
	JobPending JobStatus = "pending"
	// JobRunning means a dispatcher worker holds the reservation and the
	// agent loop is executing.
	JobRunning JobStatus = "running"
	// JobCompleted is terminal: the agent finished with a result.
	JobCompleted JobStatus = "completed"
	// JobFailed is transitional: the attempt failed and the retry policy
	// decides whether the job goes back to pending or to dead-letter.
	JobFailed JobStatus = "failed"
	// JobBlocked is terminal: the project budget is exhausted.
	JobBlocked JobStatus = "blocked"
	// JobDeadLetter is terminal: retries exhausted or a terminal error.
	JobDeadLetter JobStatus = "dead-letter"
)

// Terminal reports whether the status admits no further transitions
// (except an explicit admin re-drive).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobBlocked || s == JobDeadLetter
}

// JobType tags the kind of software-engineering task a job carries.
type JobType string

const (
	JobTypeDesign    JobType = "design"
	JobTypeImplement JobType = "implement"
	JobTypeReview    JobType = "review"
	JobTypeTest      JobType = "test"
	JobTypeDeploy    JobType = "deploy"
	JobTypeMonitor   JobType = "monitor"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeDesign, JobTypeImplement, JobTypeReview, JobTypeTest, JobTypeDeploy, JobTypeMonitor:
		return true
	}
	return false
}

// JobPayload is the structured task description submitted with a job.
// Provider, Model and TimeoutSeconds override agent and deployment defaults.
type JobPayload struct {
	Description    string          `json:"description"`
	RepoURL        string          `json:"repo_url,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Job is one unit of work for one agent. Rows are created at enqueue time
// and mutated only by the dispatcher worker holding the reservation.
//
// Invariants: RetryCount <= MaxRetries; TokensTotal = TokensIn + TokensOut;
// ActualCost never decreases; a running job is owned by exactly one
// reservation.
type Job struct {
	ID                string
	ProjectID         string
	AgentID           *string
	Type              JobType
	Payload           JobPayload
	Status            JobStatus
	RetryCount        int
	MaxRetries        int
	FailureReason     *string
	LastError         *string
	NextRetryAt       *time.Time
	TokensIn          int64
	TokensOut         int64
	TokensTotal       int64
	EstimatedCost     float64
	ActualCost        float64
	StartedAt         *time.Time
	CompletedAt       *time.Time
	DurationSeconds   *float64
	Result            json.RawMessage
	Logs              string
	CancelRequestedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Project groups jobs under an optional budget. Cost totals are always
// derived from job rows, never stored here.
type Project struct {
	ID              string
	Name            string
	BudgetAllocated *float64
	CreatedAt       time.Time
}

// AgentStatus is the availability state of an agent registration.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered agent the dispatcher may assign jobs to. The HTTP
// layer owns registrations; the dispatcher reads them for selection and
// updates status and heartbeat around a run.
type Agent struct {
	ID            string
	Name          string
	Type          string
	Provider      string
	Model         string
	Status        AgentStatus
	CurrentJobID  *string
	LastHeartbeat *time.Time
	Maintenance   bool
	Priority      int
}

// Artifact is a file the agent produced in its workspace, recorded by the
// post-run scan. Presence of at least one artifact is the signal that a
// capped run still produced a structured partial result.
type Artifact struct {
	ID        string
	JobID     string
	Name      string
	Path      string
	SizeBytes int64
	Checksum  string
	MimeType  string
	CreatedAt time.Time
}

// Repositories (ports)

// JobRepository is the persistence port for job rows. Mutations that race
// with broker redelivery are conditional on the current status so duplicate
// reservations settle idempotently.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// MarkRunning transitions pending to running; returns false when the row
	// was not pending (duplicate delivery guard).
	MarkRunning(ctx Context, id string, at time.Time) (bool, error)
	// ApplyUsage adds token usage and cost, conditional on status=running so
	// cost stays monotonically non-decreasing under redelivery.
	ApplyUsage(ctx Context, id string, usage Usage, cost float64) error
	Complete(ctx Context, id string, result json.RawMessage, at time.Time) error
	RequeueForRetry(ctx Context, id string, nextRetryAt time.Time, lastError string) error
	MarkDeadLetter(ctx Context, id string, reason, lastError string, at time.Time) error
	MarkBlocked(ctx Context, id string, reason string) error
	AppendLogs(ctx Context, id string, transcript string) error
	RequestCancel(ctx Context, id string, at time.Time) (bool, error)
	CancelRequested(ctx Context, id string) (bool, error)
	// ResetForRedrive prepares a dead-letter row for another pass through the
	// pipeline: status pending, retry_count 0, failure fields cleared.
	ResetForRedrive(ctx Context, id string) error
	ListRunningUpdatedBefore(ctx Context, cutoff time.Time, limit int) ([]Job, error)
	CountByStatus(ctx Context, status JobStatus) (int64, error)
	ProjectActualCost(ctx Context, projectID string) (float64, error)
	ProjectPeriod(ctx Context, projectID string, from, to *time.Time) (CostReport, error)
}

// ProjectRepository is the persistence port for projects.
type ProjectRepository interface {
	Create(ctx Context, p Project) (string, error)
	Get(ctx Context, id string) (Project, error)
}

// AgentRepository is the persistence port for agent registrations.
type AgentRepository interface {
	Create(ctx Context, a Agent) (string, error)
	Get(ctx Context, id string) (Agent, error)
	// PickIdle returns the highest-priority idle, non-maintenance agent of
	// the given type, or ErrNotFound.
	PickIdle(ctx Context, agentType string) (Agent, error)
	MarkBusy(ctx Context, id, jobID string, at time.Time) error
	MarkIdle(ctx Context, id string, at time.Time) error
	Heartbeat(ctx Context, id string, at time.Time) error
}

// ArtifactRepository stores workspace scan results.
type ArtifactRepository interface {
	CreateBatch(ctx Context, artifacts []Artifact) error
	ListByJob(ctx Context, jobID string) ([]Artifact, error)
}

// CircuitGate admits or denies provider calls based on per-provider circuit
// state. Admit may consume the single half-open probe slot and must be
// paired with a Record; Allows is a read-only routing check that never
// consumes the slot. Implementations must be safe for concurrent use.
type CircuitGate interface {
	Allows(provider string) bool
	Admit(provider string) bool
	Record(provider string, success bool)
}

// ProviderGateway translates the canonical chat shapes into one concrete
// LLM provider call. Implementations consult the circuit gate before any
// network call and record the outcome after.
type ProviderGateway interface {
	Invoke(ctx Context, provider, model string, req ChatRequest) (ChatResponse, error)
}

// SandboxSpec describes the container one job attempt runs in.
type SandboxSpec struct {
	JobID        string
	Attempt      int
	Image        string
	Workspace    string
	Timeout      time.Duration
	ExposedPorts []int
	ReadOnlyRoot bool
}

// SandboxRunner launches disposable sandboxes.
type SandboxRunner interface {
	Launch(ctx Context, spec SandboxSpec) (Sandbox, error)
}

// Sandbox is one live container bound to one job attempt. ExecTool routes a
// named tool call to its handler; unknown names fail closed. Close must be
// safe on every exit path.
type Sandbox interface {
	ExecTool(ctx Context, name string, input json.RawMessage) (ToolResult, error)
	Workspace() string
	Close(ctx Context) error
}

// ToolResult is the outcome of one tool call: the JSON-encoded output
// object, or an error description when IsError is set. Either way the
// content goes back to the model as a tool-result message.
type ToolResult struct {
	Content json.RawMessage
	IsError bool
}

// JobEvent is a lifecycle transition published to the optional event stream.
type JobEvent struct {
	JobID         string    `json:"job_id"`
	ProjectID     string    `json:"project_id"`
	Type          JobType   `json:"type"`
	From          JobStatus `json:"from"`
	To            JobStatus `json:"to"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Cost          float64   `json:"cost,omitempty"`
	At            time.Time `json:"at"`
}

// EventSink receives lifecycle events. Implementations are fire-and-forget;
// they must never block job settlement.
type EventSink interface {
	Publish(ctx Context, ev JobEvent)
}

// NoopEventSink discards events; used when no stream is configured.
type NoopEventSink struct{}

// Publish implements EventSink.
func (NoopEventSink) Publish(Context, JobEvent) {}
