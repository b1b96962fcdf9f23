package httpserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgestack/agentd/internal/domain"
)

// In-memory ports backing the handler tests. Only the paths the HTTP layer
// exercises carry real behavior; the rest satisfy the interfaces.

type stubJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
}

func newStubJobs() *stubJobs { return &stubJobs{rows: map[string]domain.Job{}} }

func (s *stubJobs) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[j.ID] = j
}

func (s *stubJobs) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *stubJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.ID = uuid.NewString()
	s.rows[j.ID] = j
	return j.ID, nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (s *stubJobs) MarkRunning(domain.Context, string, time.Time) (bool, error) { return false, nil }
func (s *stubJobs) ApplyUsage(domain.Context, string, domain.Usage, float64) error {
	return nil
}
func (s *stubJobs) Complete(domain.Context, string, json.RawMessage, time.Time) error { return nil }
func (s *stubJobs) RequeueForRetry(domain.Context, string, time.Time, string) error   { return nil }
func (s *stubJobs) MarkDeadLetter(domain.Context, string, string, string, time.Time) error {
	return nil
}
func (s *stubJobs) MarkBlocked(domain.Context, string, string) error { return nil }
func (s *stubJobs) AppendLogs(domain.Context, string, string) error  { return nil }

func (s *stubJobs) RequestCancel(_ domain.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	j.CancelRequestedAt = &at
	s.rows[id] = j
	return true, nil
}

func (s *stubJobs) CancelRequested(domain.Context, string) (bool, error) { return false, nil }

func (s *stubJobs) ResetForRedrive(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.Status = domain.JobPending
	j.RetryCount = 0
	j.FailureReason = nil
	j.LastError = nil
	s.rows[id] = j
	return nil
}

func (s *stubJobs) ListRunningUpdatedBefore(domain.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}
func (s *stubJobs) CountByStatus(domain.Context, domain.JobStatus) (int64, error) { return 0, nil }

func (s *stubJobs) ProjectActualCost(_ domain.Context, projectID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, j := range s.rows {
		if j.ProjectID == projectID {
			total += j.ActualCost
		}
	}
	return total, nil
}

func (s *stubJobs) ProjectPeriod(_ domain.Context, projectID string, _, _ *time.Time) (domain.CostReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rep domain.CostReport
	for _, j := range s.rows {
		if j.ProjectID != projectID {
			continue
		}
		rep.TotalJobs++
		rep.TotalCost += j.ActualCost
		switch j.Status {
		case domain.JobCompleted:
			rep.Completed++
		case domain.JobFailed, domain.JobDeadLetter:
			rep.Failed++
		}
	}
	if rep.TotalJobs > 0 {
		rep.AveragePerJob = rep.TotalCost / float64(rep.TotalJobs)
	}
	return rep, nil
}

type stubProjects struct {
	mu   sync.Mutex
	rows map[string]domain.Project
}

func newStubProjects() *stubProjects { return &stubProjects{rows: map[string]domain.Project{}} }

func (s *stubProjects) put(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
}

func (s *stubProjects) Create(_ domain.Context, p domain.Project) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.NewString()
	s.rows[p.ID] = p
	return p.ID, nil
}

func (s *stubProjects) Get(_ domain.Context, id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("project %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

type stubAgents struct {
	mu   sync.Mutex
	rows map[string]domain.Agent
}

func newStubAgents() *stubAgents { return &stubAgents{rows: map[string]domain.Agent{}} }

func (s *stubAgents) Create(_ domain.Context, a domain.Agent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.NewString()
	s.rows[a.ID] = a
	return a.ID, nil
}

func (s *stubAgents) Get(_ domain.Context, id string) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *stubAgents) PickIdle(domain.Context, string) (domain.Agent, error) {
	return domain.Agent{}, domain.ErrNotFound
}
func (s *stubAgents) MarkBusy(domain.Context, string, string, time.Time) error { return nil }
func (s *stubAgents) MarkIdle(domain.Context, string, time.Time) error         { return nil }
func (s *stubAgents) Heartbeat(domain.Context, string, time.Time) error        { return nil }

type stubQueue struct {
	mu       sync.Mutex
	incoming []domain.QueueEnvelope
	dead     []domain.DeadEnvelope
}

func newStubQueue() *stubQueue { return &stubQueue{} }

func (q *stubQueue) Enqueue(_ domain.Context, env domain.QueueEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.incoming = append(q.incoming, env)
	return nil
}

func (q *stubQueue) EnqueueDelayed(domain.Context, domain.QueueEnvelope, time.Time) error {
	return nil
}

func (q *stubQueue) Reserve(domain.Context, time.Duration) (domain.Reservation, error) {
	return domain.Reservation{}, domain.ErrNotFound
}

func (q *stubQueue) Ack(domain.Context, domain.Reservation) error            { return nil }
func (q *stubQueue) PumpDue(domain.Context, time.Time, int) (int, error)     { return 0, nil }
func (q *stubQueue) ReapExpired(domain.Context, time.Time, int) (int, error) { return 0, nil }

func (q *stubQueue) PushDead(_ domain.Context, env domain.DeadEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, env)
	return nil
}

func (q *stubQueue) ListDead(_ domain.Context, offset, limit int64) ([]domain.DeadEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if offset >= int64(len(q.dead)) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > int64(len(q.dead)) {
		end = int64(len(q.dead))
	}
	out := make([]domain.DeadEnvelope, end-offset)
	copy(out, q.dead[offset:end])
	return out, nil
}

func (q *stubQueue) RemoveDead(_ domain.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, env := range q.dead {
		if env.JobID == jobID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *stubQueue) Depths(domain.Context) (domain.QueueDepths, error) {
	return domain.QueueDepths{}, nil
}

type stubEstimator struct {
	in, out int64
}

func (e stubEstimator) EstimateUsage(string, string) (int64, int64) { return e.in, e.out }
