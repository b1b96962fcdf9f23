package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/domain"
)

const sweepBatchSize = 100

// Maintainer owns the background upkeep of the queue and the job table:
// moving due retries, reclaiming expired reservations, and sweeping jobs a
// crashed worker left running.
type Maintainer struct {
	Jobs  domain.JobRepository
	Queue domain.JobQueue
	Retry domain.RetryPolicy

	PumpInterval    time.Duration
	JanitorInterval time.Duration
	SweepInterval   time.Duration
	StuckMaxAge     time.Duration

	now func() time.Time
}

// NewMaintainer constructs a Maintainer.
func NewMaintainer(jobs domain.JobRepository, queue domain.JobQueue, retry domain.RetryPolicy, pump, janitor, sweep, stuckMaxAge time.Duration) *Maintainer {
	return &Maintainer{
		Jobs: jobs, Queue: queue, Retry: retry,
		PumpInterval: pump, JanitorInterval: janitor,
		SweepInterval: sweep, StuckMaxAge: stuckMaxAge,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RunPump moves due delayed envelopes to the incoming queue once per tick.
func (m *Maintainer) RunPump(ctx domain.Context) {
	ticker := time.NewTicker(m.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Queue.PumpDue(ctx, m.now(), sweepBatchSize); err != nil {
				slog.Error("delayed pump failed", slog.Any("error", err))
			}
		}
	}
}

// RunJanitor redelivers reservations whose lease expired and refreshes the
// queue depth gauges.
func (m *Maintainer) RunJanitor(ctx domain.Context) {
	ticker := time.NewTicker(m.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Queue.ReapExpired(ctx, m.now(), sweepBatchSize)
			if err != nil {
				slog.Error("reservation reap failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Warn("expired reservations redelivered", slog.Int("count", n))
			}
			if depths, err := m.Queue.Depths(ctx); err == nil {
				observability.SetQueueDepths(depths.Incoming, depths.Delayed, depths.Reserved, depths.Dead)
			}
		}
	}
}

// RunSweeper fails stuck running jobs back through the retry path.
func (m *Maintainer) RunSweeper(ctx domain.Context) {
	ticker := time.NewTicker(m.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				slog.Error("stuck-job sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce requeues every running job not updated within StuckMaxAge. A
// stuck job is symptom of a worker crash after MarkRunning: the reservation
// janitor brings the envelope back, but the row must leave running first or
// the pending guard drops the redelivery.
func (m *Maintainer) SweepOnce(ctx domain.Context) error {
	now := m.now()
	cutoff := now.Add(-m.StuckMaxAge)
	stuck, err := m.Jobs.ListRunningUpdatedBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("op=usecase.SweepOnce: %w", err)
	}
	for _, job := range stuck {
		lastError := fmt.Sprintf("stuck in running since %s", job.UpdatedAt.Format(time.RFC3339))
		if !m.Retry.Allows(job.RetryCount, job.MaxRetries) {
			reason := domain.MaxRetriesReason(job.MaxRetries, lastError)
			if err := m.Jobs.MarkDeadLetter(ctx, job.ID, reason, lastError, now); err != nil {
				slog.Error("sweep dead-letter failed", slog.String("job_id", job.ID), slog.Any("error", err))
				continue
			}
			if err := m.Queue.PushDead(ctx, domain.DeadEnvelope{
				JobID: job.ID, Attempt: job.RetryCount + 1,
				Reason: reason, LastError: lastError, FailedAt: now,
			}); err != nil {
				slog.Error("sweep dead-letter push failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			observability.DeadLetterJob(string(job.Type))
			continue
		}
		nextAt := m.Retry.NextAt(now, job.RetryCount)
		if err := m.Jobs.RequeueForRetry(ctx, job.ID, nextAt, lastError); err != nil {
			slog.Error("sweep requeue failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		env := domain.QueueEnvelope{JobID: job.ID, Attempt: job.RetryCount + 2}
		if err := m.Queue.EnqueueDelayed(ctx, env, nextAt); err != nil {
			slog.Error("sweep schedule failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		observability.ScheduleRetry(string(job.Type))
		slog.Warn("stuck job swept back to pending",
			slog.String("job_id", job.ID),
			slog.Time("next_retry_at", nextAt))
	}
	return nil
}
