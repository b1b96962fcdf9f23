package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/forgestack/agentd/internal/domain"
)

// AdminService exposes the operator surface: dead-letter inspection and
// re-drive, job cancellation. Breaker stats are served straight off the
// registry by the HTTP layer.
type AdminService struct {
	Jobs  domain.JobRepository
	Queue domain.JobQueue
}

// NewAdminService constructs an AdminService.
func NewAdminService(jobs domain.JobRepository, queue domain.JobQueue) AdminService {
	return AdminService{Jobs: jobs, Queue: queue}
}

// ListDead pages through the parked dead-letter envelopes.
func (s AdminService) ListDead(ctx domain.Context, offset, limit int64) ([]domain.DeadEnvelope, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.Queue.ListDead(ctx, offset, limit)
}

// Redrive gives a dead-lettered job a fresh pass: the envelope leaves the
// DLQ, the row resets to pending with a zero retry count, and the id goes
// back to the incoming queue.
func (s AdminService) Redrive(ctx domain.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job_id required", domain.ErrInvalidArgument)
	}
	removed, err := s.Queue.RemoveDead(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("op=usecase.Redrive job=%s: %w", jobID, domain.ErrNotFound)
	}
	if err := s.Jobs.ResetForRedrive(ctx, jobID); err != nil {
		return err
	}
	if err := s.Queue.Enqueue(ctx, domain.QueueEnvelope{JobID: jobID, Attempt: 1}); err != nil {
		return fmt.Errorf("op=usecase.Redrive publish job=%s: %w", jobID, err)
	}
	slog.Info("dead-letter redriven", slog.String("job_id", jobID))
	return nil
}

// DeleteDead removes a parked envelope for good. The job row keeps its
// dead-letter status as the audit record.
func (s AdminService) DeleteDead(ctx domain.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job_id required", domain.ErrInvalidArgument)
	}
	removed, err := s.Queue.RemoveDead(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("op=usecase.DeleteDead job=%s: %w", jobID, domain.ErrNotFound)
	}
	slog.Info("dead-letter deleted", slog.String("job_id", jobID))
	return nil
}

// Cancel sets the cancellation sentinel on a pending or running job. The
// agent loop observes it between iterations and aborts.
func (s AdminService) Cancel(ctx domain.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job_id required", domain.ErrInvalidArgument)
	}
	set, err := s.Jobs.RequestCancel(ctx, jobID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("op=usecase.Cancel job=%s not cancellable: %w", jobID, domain.ErrConflict)
	}
	slog.Info("cancel requested", slog.String("job_id", jobID))
	return nil
}
