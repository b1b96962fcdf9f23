package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/forgestack/agentd/internal/domain"
)

// logsCap bounds the transcript column so a chatty agent cannot grow a row
// without limit. Appends beyond the cap are dropped, oldest text wins.
const logsCap = 200_000

const jobColumns = `id, project_id, agent_id, type, payload, status,
	retry_count, max_retries, failure_reason, last_error, next_retry_at,
	tokens_in, tokens_out, tokens_total, estimated_cost, actual_cost,
	started_at, completed_at, duration_seconds, result, COALESCE(logs,''),
	cancel_requested_at, created_at, updated_at`

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Mutations that race with broker redelivery carry a status condition so a
// duplicate reservation settles as a no-op instead of a double write.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, project_id, agent_id, type, payload, status, retry_count, max_retries, estimated_cost, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$9)`
	_, err = r.Pool.Exec(ctx, q, id, j.ProjectID, j.AgentID, j.Type, payload, domain.JobPending, j.MaxRetries, j.EstimatedCost, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// MarkRunning transitions a pending job to running. It returns false when
// the row was not pending, which is how duplicate deliveries are absorbed.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs SET status=$2, started_at=$3, updated_at=$3 WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, at.UTC(), domain.JobPending)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyUsage adds token usage and cost to a running job. The status
// condition serialises cost writes so actual_cost only ever grows under the
// reservation that owns the row.
func (r *JobRepo) ApplyUsage(ctx domain.Context, id string, usage domain.Usage, cost float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ApplyUsage")
	defer span.End()
	q := `UPDATE jobs SET
			tokens_in = tokens_in + $2,
			tokens_out = tokens_out + $3,
			tokens_total = tokens_total + $2 + $3,
			actual_cost = actual_cost + $4,
			updated_at = $5
		WHERE id=$1 AND status=$6`
	tag, err := r.Pool.Exec(ctx, q, id, usage.TokensIn, usage.TokensOut, cost, time.Now().UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.apply_usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.apply_usage id=%s not running: %w", id, domain.ErrConflict)
	}
	return nil
}

// Complete settles a running job as completed and records its result and
// wall-clock duration.
func (r *JobRepo) Complete(ctx domain.Context, id string, result json.RawMessage, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	q := `UPDATE jobs SET status=$2, result=$3, completed_at=$4,
			duration_seconds = EXTRACT(EPOCH FROM ($4 - started_at)),
			updated_at=$4
		WHERE id=$1 AND status=$5`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCompleted, result, at.UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete id=%s not running: %w", id, domain.ErrConflict)
	}
	return nil
}

// RequeueForRetry sends a failed attempt back to pending, consuming one
// retry from the budget.
func (r *JobRepo) RequeueForRetry(ctx domain.Context, id string, nextRetryAt time.Time, lastError string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueForRetry")
	defer span.End()
	q := `UPDATE jobs SET status=$2, retry_count=retry_count+1, next_retry_at=$3,
			last_error=$4, updated_at=$5
		WHERE id=$1 AND retry_count < max_retries`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobPending, nextRetryAt.UTC(), lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.requeue id=%s retry budget exhausted: %w", id, domain.ErrConflict)
	}
	return nil
}

// MarkDeadLetter settles a job terminally after retries ran out or a
// terminal error.
func (r *JobRepo) MarkDeadLetter(ctx domain.Context, id string, reason, lastError string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkDeadLetter")
	defer span.End()
	q := `UPDATE jobs SET status=$2, failure_reason=$3, last_error=$4, completed_at=$5, updated_at=$5 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobDeadLetter, reason, lastError, at.UTC())
	if err != nil {
		return fmt.Errorf("op=job.dead_letter: %w", err)
	}
	return nil
}

// MarkBlocked settles a job as blocked by budget enforcement before any
// provider call was made.
func (r *JobRepo) MarkBlocked(ctx domain.Context, id string, reason string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkBlocked")
	defer span.End()
	q := `UPDATE jobs SET status=$2, failure_reason=$3, updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobBlocked, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_blocked: %w", err)
	}
	return nil
}

// AppendLogs adds transcript text to the job's log column, bounded by
// logsCap.
func (r *JobRepo) AppendLogs(ctx domain.Context, id string, transcript string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendLogs")
	defer span.End()
	q := `UPDATE jobs SET logs = LEFT(COALESCE(logs,'') || $2, $3), updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, transcript, logsCap, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.append_logs: %w", err)
	}
	return nil
}

// RequestCancel sets the cancellation sentinel on a non-terminal job. It
// returns false when the job already finished or was already cancelled.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested_at=$2, updated_at=$2
		WHERE id=$1 AND cancel_requested_at IS NULL AND status IN ($3,$4)`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC(), domain.JobPending, domain.JobRunning)
	if err != nil {
		return false, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRequested reports whether the cancellation sentinel is set. The
// agent loop polls this between iterations.
func (r *JobRepo) CancelRequested(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CancelRequested")
	defer span.End()
	var cancelled bool
	row := r.Pool.QueryRow(ctx, `SELECT cancel_requested_at IS NOT NULL FROM jobs WHERE id=$1`, id)
	if err := row.Scan(&cancelled); err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=job.cancel_requested: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=job.cancel_requested: %w", err)
	}
	return cancelled, nil
}

// ResetForRedrive prepares a parked row for another pass through the
// pipeline. Only dead-letter and blocked rows qualify.
func (r *JobRepo) ResetForRedrive(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetForRedrive")
	defer span.End()
	q := `UPDATE jobs SET status=$2, retry_count=0, failure_reason=NULL, last_error=NULL,
			next_retry_at=NULL, cancel_requested_at=NULL, completed_at=NULL, updated_at=$3
		WHERE id=$1 AND status IN ($4,$5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobPending, time.Now().UTC(), domain.JobDeadLetter, domain.JobBlocked)
	if err != nil {
		return fmt.Errorf("op=job.reset_redrive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.reset_redrive id=%s not parked: %w", id, domain.ErrConflict)
	}
	return nil
}

// ListRunningUpdatedBefore returns running jobs whose last write is older
// than the cutoff; the stuck-job sweeper feeds these back through the retry
// path.
func (r *JobRepo) ListRunningUpdatedBefore(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListRunningUpdatedBefore")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of jobs in the given status.
func (r *JobRepo) CountByStatus(ctx domain.Context, status domain.JobStatus) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1`, status)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_status: %w", err)
	}
	return n, nil
}

// ProjectActualCost sums spend across all of a project's jobs, failed ones
// included: the tokens were bought either way.
func (r *JobRepo) ProjectActualCost(ctx domain.Context, projectID string) (float64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ProjectActualCost")
	defer span.End()
	var total float64
	row := r.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(actual_cost),0) FROM jobs WHERE project_id=$1`, projectID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("op=job.project_cost: %w", err)
	}
	return total, nil
}

// ProjectPeriod aggregates a project's spend over a completed_at window; a
// nil bound is open on that side and two nil bounds cover all time.
func (r *JobRepo) ProjectPeriod(ctx domain.Context, projectID string, from, to *time.Time) (domain.CostReport, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ProjectPeriod")
	defer span.End()
	q := `SELECT COALESCE(SUM(actual_cost),0), COUNT(*),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status IN ($5,$6))
		FROM jobs
		WHERE project_id=$1
			AND ($2::timestamptz IS NULL OR completed_at >= $2)
			AND ($3::timestamptz IS NULL OR completed_at < $3)`
	var rep domain.CostReport
	row := r.Pool.QueryRow(ctx, q, projectID, from, to,
		domain.JobCompleted, domain.JobFailed, domain.JobDeadLetter)
	if err := row.Scan(&rep.TotalCost, &rep.TotalJobs, &rep.Completed, &rep.Failed); err != nil {
		return domain.CostReport{}, fmt.Errorf("op=job.project_period: %w", err)
	}
	if rep.TotalJobs > 0 {
		rep.AveragePerJob = rep.TotalCost / float64(rep.TotalJobs)
	}
	return rep, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var payload []byte
	if err := row.Scan(
		&j.ID, &j.ProjectID, &j.AgentID, &j.Type, &payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.FailureReason, &j.LastError, &j.NextRetryAt,
		&j.TokensIn, &j.TokensOut, &j.TokensTotal, &j.EstimatedCost, &j.ActualCost,
		&j.StartedAt, &j.CompletedAt, &j.DurationSeconds, &j.Result, &j.Logs,
		&j.CancelRequestedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("payload decode: %w", err)
		}
	}
	return j, nil
}
