package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/domain"
	obsctx "github.com/forgestack/agentd/internal/observability"
)

// Looper runs one agent conversation; the dispatcher owns everything around
// it. Separated so dispatcher tests can script outcomes.
type Looper interface {
	Run(ctx domain.Context, job domain.Job, sb domain.Sandbox, provider, model string) (LoopResult, error)
}

// WorkspaceScanner turns a finished workspace into artifact records.
type WorkspaceScanner interface {
	Scan(workspace, jobID string, now time.Time) ([]domain.Artifact, error)
}

// DispatcherConfig carries the dispatcher's tunables.
type DispatcherConfig struct {
	ReserveLease   time.Duration
	SandboxImage   string
	WorkRoot       string
	SandboxTimeout time.Duration
	Defaults       ProviderDefaults
}

// Dispatcher reserves envelopes, runs the agent loop inside a sandbox, and
// settles the outcome. It is the only component that translates a failure
// kind into a lifecycle action.
type Dispatcher struct {
	Jobs      domain.JobRepository
	Projects  domain.ProjectRepository
	Agents    domain.AgentRepository
	Artifacts domain.ArtifactRepository
	Queue     domain.JobQueue
	Sandboxes domain.SandboxRunner
	Breaker   domain.CircuitGate
	Loop      Looper
	Costs     CostService
	Retry     domain.RetryPolicy
	Scanner   WorkspaceScanner
	Events    domain.EventSink
	Cfg       DispatcherConfig

	now func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(
	jobs domain.JobRepository,
	projects domain.ProjectRepository,
	agents domain.AgentRepository,
	artifacts domain.ArtifactRepository,
	queue domain.JobQueue,
	sandboxes domain.SandboxRunner,
	breaker domain.CircuitGate,
	loop Looper,
	costs CostService,
	retry domain.RetryPolicy,
	scanner WorkspaceScanner,
	events domain.EventSink,
	cfg DispatcherConfig,
) *Dispatcher {
	if events == nil {
		events = domain.NoopEventSink{}
	}
	return &Dispatcher{
		Jobs: jobs, Projects: projects, Agents: agents, Artifacts: artifacts,
		Queue: queue, Sandboxes: sandboxes, Breaker: breaker, Loop: loop,
		Costs: costs, Retry: retry, Scanner: scanner, Events: events, Cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RunOne reserves and processes a single envelope. ErrNotFound means the
// queue was empty. The reservation is always acked: the row of record
// carries the outcome, and an unacked lease would only cause a redelivery
// of work already settled.
func (d *Dispatcher) RunOne(ctx domain.Context) error {
	res, err := d.Queue.Reserve(ctx, d.Cfg.ReserveLease)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Queue.Ack(ctx, res); err != nil {
			slog.Error("ack failed", slog.String("job_id", res.Envelope.JobID), slog.Any("error", err))
		}
	}()
	d.handle(ctx, res.Envelope)
	return nil
}

func (d *Dispatcher) handle(ctx domain.Context, env domain.QueueEnvelope) {
	log := obsctx.LoggerFromContext(ctx).With(slog.String("job_id", env.JobID), slog.Int("attempt", env.Attempt))
	ctx = obsctx.ContextWithJobID(obsctx.ContextWithLogger(ctx, log), env.JobID)

	job, err := d.Jobs.Get(ctx, env.JobID)
	if err != nil {
		log.Warn("envelope without row, dropping", slog.Any("error", err))
		return
	}
	// Duplicate-delivery guard: only a pending row may start.
	if job.Status != domain.JobPending {
		log.Info("skip: row not pending", slog.String("status", string(job.Status)))
		return
	}
	if job.CancelRequestedAt != nil {
		d.settleDeadLetter(ctx, job, env.Attempt, domain.ErrJobCancelled)
		return
	}

	// Budget gate, before any spend.
	if err := d.Costs.Admit(ctx, job.ProjectID); err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			d.settleBlocked(ctx, job, err)
			return
		}
		log.Error("budget check failed, redelivering", slog.Any("error", err))
		d.redeliver(ctx, job, env.Attempt)
		return
	}

	provider, model := d.resolveProviderModel(ctx, job)

	// Breaker routing check. Read-only: the provider gateway owns the
	// actual admission so the half-open probe slot is consumed exactly
	// once per attempt. A denial is not an attempt: the envelope is
	// rescheduled without touching retry_count or the row status.
	if !d.Breaker.Allows(provider) {
		log.Info("skip: circuit open", slog.String("provider", provider))
		d.redeliver(ctx, job, env.Attempt)
		return
	}

	agent := d.selectAgent(ctx, job)
	if agent != nil {
		if err := d.Agents.MarkBusy(ctx, agent.ID, job.ID, d.now()); err != nil {
			log.Info("agent grab lost, running unassigned", slog.String("agent_id", agent.ID))
			agent = nil
		}
	}
	defer func() {
		if agent != nil {
			if err := d.Agents.MarkIdle(ctx, agent.ID, d.now()); err != nil {
				log.Warn("agent release failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
			}
		}
	}()
	if agent != nil {
		stopBeat := d.keepAlive(ctx, agent.ID)
		defer stopBeat()
	}

	startedAt := d.now()
	ok, err := d.Jobs.MarkRunning(ctx, job.ID, startedAt)
	if err != nil {
		log.Error("mark running failed, redelivering", slog.Any("error", err))
		d.redeliver(ctx, job, env.Attempt)
		return
	}
	if !ok {
		log.Info("skip: lost the pending-to-running race")
		return
	}
	job.Status = domain.JobRunning
	observability.StartJob(string(job.Type))
	d.publish(ctx, job, domain.JobPending, domain.JobRunning, "", 0)
	log.Info("job started", slog.String("provider", provider), slog.String("model", model))

	result, runErr := d.runAttempt(ctx, job, env.Attempt, provider, model)
	if runErr == nil {
		observability.RecordJobCost(provider, model, result.Cost)
		d.settleSuccess(ctx, job, env.Attempt, result)
		return
	}
	d.settleFailure(ctx, job, env.Attempt, result, runErr)
}

// runAttempt launches the sandbox, runs the loop under the wall-clock
// deadline, and guarantees teardown.
func (d *Dispatcher) runAttempt(ctx domain.Context, job domain.Job, attempt int, provider, model string) (LoopResult, error) {
	timeout := d.Cfg.SandboxTimeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := domain.SandboxSpec{
		JobID:        job.ID,
		Attempt:      attempt,
		Image:        d.Cfg.SandboxImage,
		Workspace:    filepath.Join(d.Cfg.WorkRoot, fmt.Sprintf("%s-%d", job.ID, attempt)),
		Timeout:      timeout,
		ExposedPorts: profilePorts(job.Type),
	}
	sb, err := d.Sandboxes.Launch(runCtx, spec)
	if err != nil {
		return LoopResult{}, err
	}
	defer func() {
		// Teardown must survive a spent run context.
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer closeCancel()
		if err := sb.Close(closeCtx); err != nil {
			slog.Error("sandbox teardown failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}()

	result, err := d.Loop.Run(runCtx, job, sb, provider, model)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("op=usecase.dispatch job=%s after %s: %w", job.ID, timeout, domain.ErrSandboxTimeout)
	}
	result.Workspace = sb.Workspace()
	return result, err
}

func (d *Dispatcher) settleSuccess(ctx domain.Context, job domain.Job, attempt int, result LoopResult) {
	now := d.now()
	if err := d.Jobs.Complete(ctx, job.ID, result.Result, now); err != nil {
		slog.Error("complete write failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	d.persistArtifacts(ctx, job.ID, result.Workspace, now)
	observability.CompleteJob(string(job.Type), result.Cost, result.Iterations)
	d.publish(ctx, job, domain.JobRunning, domain.JobCompleted, "", result.Cost)
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
		slog.Int("iterations", result.Iterations),
		slog.Int64("tokens", result.Usage.Total()),
		slog.Float64("cost", result.Cost))
}

// settleFailure is the single translation point from failure kind to
// lifecycle action.
func (d *Dispatcher) settleFailure(ctx domain.Context, job domain.Job, attempt int, result LoopResult, runErr error) {
	kind := domain.Classify(runErr)
	observability.FailJob(string(job.Type), kind.String())
	slog.Warn("attempt failed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
		slog.String("kind", kind.String()),
		slog.Any("error", runErr))

	switch kind {
	case domain.FailureBudget:
		d.settleBlocked(ctx, job, runErr)

	case domain.FailureTerminal:
		// A capped run that still built something is a partial success.
		if errors.Is(runErr, domain.ErrMaxIterations) && d.salvagePartial(ctx, job, result) {
			return
		}
		d.settleDeadLetter(ctx, job, attempt, runErr)

	case domain.FailureAdmitDenied:
		// The circuit opened mid-run; reschedule without burning a retry.
		d.redeliver(ctx, job, attempt)

	default: // retriable, provider
		d.settleRetry(ctx, job, attempt, runErr)
	}
}

func (d *Dispatcher) settleRetry(ctx domain.Context, job domain.Job, attempt int, runErr error) {
	if !d.Retry.Allows(job.RetryCount, job.MaxRetries) {
		d.settleExhausted(ctx, job, attempt, runErr)
		return
	}
	now := d.now()
	nextAt := d.Retry.NextAt(now, job.RetryCount)
	if err := d.Jobs.RequeueForRetry(ctx, job.ID, nextAt, runErr.Error()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			d.settleExhausted(ctx, job, attempt, runErr)
			return
		}
		slog.Error("requeue write failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	env := domain.QueueEnvelope{JobID: job.ID, Attempt: attempt + 1}
	if err := d.Queue.EnqueueDelayed(ctx, env, nextAt); err != nil {
		slog.Error("retry schedule failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.ScheduleRetry(string(job.Type))
	d.publish(ctx, job, domain.JobRunning, domain.JobPending, domain.FailureReasonFor(runErr), 0)
	slog.Info("retry scheduled",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount+1),
		slog.Time("next_retry_at", nextAt))
}

func (d *Dispatcher) settleExhausted(ctx domain.Context, job domain.Job, attempt int, runErr error) {
	reason := domain.MaxRetriesReason(job.MaxRetries, runErr.Error())
	d.deadLetter(ctx, job, attempt, reason, runErr.Error())
}

func (d *Dispatcher) settleDeadLetter(ctx domain.Context, job domain.Job, attempt int, runErr error) {
	d.deadLetter(ctx, job, attempt, domain.FailureReasonFor(runErr), runErr.Error())
}

func (d *Dispatcher) deadLetter(ctx domain.Context, job domain.Job, attempt int, reason, lastError string) {
	now := d.now()
	if err := d.Jobs.MarkDeadLetter(ctx, job.ID, reason, lastError, now); err != nil {
		slog.Error("dead-letter write failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if err := d.Queue.PushDead(ctx, domain.DeadEnvelope{
		JobID:     job.ID,
		Attempt:   attempt,
		Reason:    reason,
		LastError: lastError,
		FailedAt:  now,
	}); err != nil {
		slog.Error("dead-letter push failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.DeadLetterJob(string(job.Type))
	d.publish(ctx, job, job.Status, domain.JobDeadLetter, reason, 0)
	slog.Warn("job dead-lettered", slog.String("job_id", job.ID), slog.String("reason", reason))
}

func (d *Dispatcher) settleBlocked(ctx domain.Context, job domain.Job, runErr error) {
	if err := d.Jobs.MarkBlocked(ctx, job.ID, domain.ErrBudgetExceeded.Error()); err != nil {
		slog.Error("block write failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.BlockJob(string(job.Type))
	d.publish(ctx, job, job.Status, domain.JobBlocked, domain.ErrBudgetExceeded.Error(), 0)
	slog.Warn("job blocked", slog.String("job_id", job.ID), slog.Any("error", runErr))
}

// salvagePartial completes a capped run whose workspace holds artifacts.
func (d *Dispatcher) salvagePartial(ctx domain.Context, job domain.Job, result LoopResult) bool {
	if d.Scanner == nil || result.Workspace == "" {
		return false
	}
	now := d.now()
	artifacts, err := d.Scanner.Scan(result.Workspace, job.ID, now)
	if err != nil || len(artifacts) == 0 {
		return false
	}
	partial, _ := json.Marshal(map[string]any{
		"summary":   result.Summary,
		"partial":   true,
		"artifacts": len(artifacts),
	})
	if err := d.Jobs.Complete(ctx, job.ID, partial, now); err != nil {
		slog.Error("partial complete failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}
	if err := d.Artifacts.CreateBatch(ctx, artifacts); err != nil {
		slog.Error("artifact persist failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.CompleteJob(string(job.Type), result.Cost, result.Iterations)
	d.publish(ctx, job, domain.JobRunning, domain.JobCompleted, "", result.Cost)
	slog.Info("capped run salvaged as partial result",
		slog.String("job_id", job.ID),
		slog.Int("artifacts", len(artifacts)))
	return true
}

func (d *Dispatcher) persistArtifacts(ctx domain.Context, jobID, workspace string, now time.Time) {
	if d.Scanner == nil || workspace == "" {
		return
	}
	artifacts, err := d.Scanner.Scan(workspace, jobID, now)
	if err != nil {
		slog.Warn("workspace scan failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if len(artifacts) == 0 {
		return
	}
	if err := d.Artifacts.CreateBatch(ctx, artifacts); err != nil {
		slog.Error("artifact persist failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// redeliver reschedules the same attempt after a backoff keyed to the
// current retry count, without any row mutation.
func (d *Dispatcher) redeliver(ctx domain.Context, job domain.Job, attempt int) {
	nextAt := d.Retry.NextAt(d.now(), job.RetryCount)
	env := domain.QueueEnvelope{JobID: job.ID, Attempt: attempt}
	if err := d.Queue.EnqueueDelayed(ctx, env, nextAt); err != nil {
		slog.Error("redelivery schedule failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// resolveProviderModel resolves the provider and model for a job: payload
// override, then the assigned agent hint, then deployment defaults.
func (d *Dispatcher) resolveProviderModel(ctx domain.Context, job domain.Job) (string, string) {
	provider := job.Payload.Provider
	model := job.Payload.Model
	if (provider == "" || model == "") && job.AgentID != nil {
		if agent, err := d.Agents.Get(ctx, *job.AgentID); err == nil {
			if provider == "" {
				provider = agent.Provider
			}
			if model == "" {
				model = agent.Model
			}
		}
	}
	if provider == "" {
		provider = d.Cfg.Defaults.Provider
	}
	if model == "" {
		model = d.Cfg.Defaults.Model
	}
	return provider, model
}

// selectAgent returns the agent to bind the run to, or nil. The assigned
// hint wins when that agent is idle; otherwise any idle agent of the
// profile's type. Selection is advisory: no agent still runs the job.
func (d *Dispatcher) selectAgent(ctx domain.Context, job domain.Job) *domain.Agent {
	if job.AgentID != nil {
		if agent, err := d.Agents.Get(ctx, *job.AgentID); err == nil &&
			agent.Status == domain.AgentIdle && !agent.Maintenance {
			return &agent
		}
	}
	profile, err := domain.ProfileForJobType(job.Type)
	if err != nil {
		return nil
	}
	agent, err := d.Agents.PickIdle(ctx, profile.Type)
	if err != nil {
		return nil
	}
	return &agent
}

// heartbeatInterval is how often a claimed agent's liveness timestamp is
// refreshed while its job runs.
const heartbeatInterval = 30 * time.Second

// keepAlive refreshes the agent heartbeat until the returned stop func runs.
func (d *Dispatcher) keepAlive(ctx domain.Context, agentID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Agents.Heartbeat(ctx, agentID, d.now()); err != nil {
					slog.Warn("agent heartbeat failed", slog.String("agent_id", agentID), slog.Any("error", err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatcher) publish(ctx domain.Context, job domain.Job, from, to domain.JobStatus, reason string, cost float64) {
	d.Events.Publish(ctx, domain.JobEvent{
		JobID:         job.ID,
		ProjectID:     job.ProjectID,
		Type:          job.Type,
		From:          from,
		To:            to,
		FailureReason: reason,
		Cost:          cost,
		At:            d.now(),
	})
}

// profilePorts exposes the dev-server port for profiles that may start one.
func profilePorts(t domain.JobType) []int {
	profile, err := domain.ProfileForJobType(t)
	if err != nil {
		return nil
	}
	for _, tool := range profile.ExtraTools {
		if tool == domain.ToolStartDevServer {
			return []int{3000}
		}
	}
	return nil
}

// Worker drains the queue until the context ends. Reserve errors other than
// an empty queue back off exponentially so a Redis blip does not spin the
// loop.
func (d *Dispatcher) Worker(ctx domain.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		err := d.RunOne(ctx)
		switch {
		case err == nil:
			bo.Reset()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, domain.ErrNotFound):
			bo.Reset()
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		default:
			slog.Error("reserve failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
		}
	}
}
