package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgestack/agentd/internal/domain"
)

// Hand-written port fakes. Map-backed where state matters, scripted where
// only the interaction matters.

type fakeJobs struct {
	mu      sync.Mutex
	rows    map[string]*domain.Job
	logs    map[string]string
	nextID  int
	failOn  map[string]error // method name -> error
	cancels map[string]bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		rows:    map[string]*domain.Job{},
		logs:    map[string]string{},
		failOn:  map[string]error{},
		cancels: map[string]bool{},
	}
}

func (f *fakeJobs) put(j domain.Job) *domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := j
	f.rows[j.ID] = &cp
	return &cp
}

func (f *fakeJobs) get(id string) domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	if err := f.failOn["Create"]; err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	j.ID = id
	f.rows[id] = &j
	return id, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f *fakeJobs) MarkRunning(_ domain.Context, id string, at time.Time) (bool, error) {
	if err := f.failOn["MarkRunning"]; err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	j.Status = domain.JobRunning
	j.StartedAt = &at
	j.UpdatedAt = at
	return true, nil
}

func (f *fakeJobs) ApplyUsage(_ domain.Context, id string, usage domain.Usage, cost float64) error {
	if err := f.failOn["ApplyUsage"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok || j.Status != domain.JobRunning {
		return domain.ErrConflict
	}
	j.TokensIn += usage.TokensIn
	j.TokensOut += usage.TokensOut
	j.TokensTotal = j.TokensIn + j.TokensOut
	j.ActualCost += cost
	return nil
}

func (f *fakeJobs) Complete(_ domain.Context, id string, result json.RawMessage, at time.Time) error {
	if err := f.failOn["Complete"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok || j.Status != domain.JobRunning {
		return domain.ErrConflict
	}
	j.Status = domain.JobCompleted
	j.Result = result
	j.CompletedAt = &at
	return nil
}

func (f *fakeJobs) RequeueForRetry(_ domain.Context, id string, nextRetryAt time.Time, lastError string) error {
	if err := f.failOn["RequeueForRetry"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.RetryCount >= j.MaxRetries {
		return domain.ErrConflict
	}
	j.Status = domain.JobPending
	j.RetryCount++
	j.NextRetryAt = &nextRetryAt
	j.LastError = &lastError
	return nil
}

func (f *fakeJobs) MarkDeadLetter(_ domain.Context, id string, reason, lastError string, at time.Time) error {
	if err := f.failOn["MarkDeadLetter"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobDeadLetter
	j.FailureReason = &reason
	j.LastError = &lastError
	return nil
}

func (f *fakeJobs) MarkBlocked(_ domain.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobBlocked
	j.FailureReason = &reason
	return nil
}

func (f *fakeJobs) AppendLogs(_ domain.Context, id string, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id] += transcript
	return nil
}

func (f *fakeJobs) RequestCancel(_ domain.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.CancelRequestedAt != nil || (j.Status != domain.JobPending && j.Status != domain.JobRunning) {
		return false, nil
	}
	j.CancelRequestedAt = &at
	f.cancels[id] = true
	return true, nil
}

func (f *fakeJobs) CancelRequested(_ domain.Context, id string) (bool, error) {
	if err := f.failOn["CancelRequested"]; err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id], nil
}

func (f *fakeJobs) ResetForRedrive(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobDeadLetter && j.Status != domain.JobBlocked {
		return domain.ErrConflict
	}
	j.Status = domain.JobPending
	j.RetryCount = 0
	j.FailureReason = nil
	j.LastError = nil
	j.CancelRequestedAt = nil
	f.cancels[id] = false
	return nil
}

func (f *fakeJobs) ListRunningUpdatedBefore(_ domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	if err := f.failOn["ListRunningUpdatedBefore"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.rows {
		if j.Status == domain.JobRunning && j.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) CountByStatus(_ domain.Context, status domain.JobStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.rows {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) ProjectActualCost(_ domain.Context, projectID string) (float64, error) {
	if err := f.failOn["ProjectActualCost"]; err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var total float64
	for _, j := range f.rows {
		if j.ProjectID == projectID {
			total += j.ActualCost
		}
	}
	return total, nil
}

func (f *fakeJobs) ProjectPeriod(_ domain.Context, projectID string, _, _ *time.Time) (domain.CostReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rep domain.CostReport
	for _, j := range f.rows {
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

type delayedEntry struct {
	env domain.QueueEnvelope
	due time.Time
}

type fakeQueue struct {
	mu       sync.Mutex
	incoming []domain.QueueEnvelope
	delayed  []delayedEntry
	dead     []domain.DeadEnvelope
	acked    []string
	failOn   map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{failOn: map[string]error{}}
}

func (q *fakeQueue) Enqueue(_ domain.Context, env domain.QueueEnvelope) error {
	if err := q.failOn["Enqueue"]; err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.incoming = append(q.incoming, env)
	return nil
}

func (q *fakeQueue) EnqueueDelayed(_ domain.Context, env domain.QueueEnvelope, dueAt time.Time) error {
	if err := q.failOn["EnqueueDelayed"]; err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedEntry{env: env, due: dueAt})
	return nil
}

func (q *fakeQueue) Reserve(_ domain.Context, _ time.Duration) (domain.Reservation, error) {
	if err := q.failOn["Reserve"]; err != nil {
		return domain.Reservation{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.incoming) == 0 {
		return domain.Reservation{}, domain.ErrNotFound
	}
	env := q.incoming[0]
	q.incoming = q.incoming[1:]
	return domain.Reservation{Receipt: "rcpt-" + env.JobID, Envelope: env}, nil
}

func (q *fakeQueue) Ack(_ domain.Context, r domain.Reservation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, r.Receipt)
	return nil
}

func (q *fakeQueue) PumpDue(_ domain.Context, now time.Time, _ int) (int, error) {
	if err := q.failOn["PumpDue"]; err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept []delayedEntry
	moved := 0
	for _, e := range q.delayed {
		if !e.due.After(now) {
			q.incoming = append(q.incoming, e.env)
			moved++
			continue
		}
		kept = append(kept, e)
	}
	q.delayed = kept
	return moved, nil
}

func (q *fakeQueue) ReapExpired(_ domain.Context, _ time.Time, _ int) (int, error) {
	return 0, q.failOn["ReapExpired"]
}

func (q *fakeQueue) PushDead(_ domain.Context, env domain.DeadEnvelope) error {
	if err := q.failOn["PushDead"]; err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, env)
	return nil
}

func (q *fakeQueue) ListDead(_ domain.Context, offset, limit int64) ([]domain.DeadEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if offset >= int64(len(q.dead)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(q.dead)) {
		end = int64(len(q.dead))
	}
	return append([]domain.DeadEnvelope(nil), q.dead[offset:end]...), nil
}

func (q *fakeQueue) RemoveDead(_ domain.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.dead {
		if e.JobID == jobID {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) Depths(_ domain.Context) (domain.QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueDepths{
		Incoming: int64(len(q.incoming)),
		Delayed:  int64(len(q.delayed)),
		Dead:     int64(len(q.dead)),
	}, nil
}

type fakeProjects struct {
	mu     sync.Mutex
	rows   map[string]domain.Project
	nextID int
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{rows: map[string]domain.Project{}}
}

func (f *fakeProjects) put(p domain.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[p.ID] = p
}

func (f *fakeProjects) Create(_ domain.Context, p domain.Project) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = fmt.Sprintf("proj-%d", f.nextID)
	f.rows[p.ID] = p
	return p.ID, nil
}

func (f *fakeProjects) Get(_ domain.Context, id string) (domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

type fakeAgents struct {
	mu     sync.Mutex
	rows   map[string]*domain.Agent
	nextID int
	busy   []string
	idle   []string
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{rows: map[string]*domain.Agent{}}
}

func (f *fakeAgents) put(a domain.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := a
	f.rows[a.ID] = &cp
}

func (f *fakeAgents) Create(_ domain.Context, a domain.Agent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = fmt.Sprintf("agent-%d", f.nextID)
	f.rows[a.ID] = &a
	return a.ID, nil
}

func (f *fakeAgents) Get(_ domain.Context, id string) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return *a, nil
}

func (f *fakeAgents) PickIdle(_ domain.Context, agentType string) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Agent
	for _, a := range f.rows {
		if a.Type != agentType || a.Status != domain.AgentIdle || a.Maintenance {
			continue
		}
		if best == nil || a.Priority > best.Priority {
			best = a
		}
	}
	if best == nil {
		return domain.Agent{}, domain.ErrNotFound
	}
	return *best, nil
}

func (f *fakeAgents) MarkBusy(_ domain.Context, id, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Status != domain.AgentIdle {
		return domain.ErrConflict
	}
	a.Status = domain.AgentBusy
	a.CurrentJobID = &jobID
	f.busy = append(f.busy, id)
	return nil
}

func (f *fakeAgents) MarkIdle(_ domain.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = domain.AgentIdle
	a.CurrentJobID = nil
	f.idle = append(f.idle, id)
	return nil
}

func (f *fakeAgents) Heartbeat(_ domain.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.rows[id]; ok {
		a.LastHeartbeat = &at
	}
	return nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	created []domain.Artifact
}

func (f *fakeArtifacts) CreateBatch(_ domain.Context, artifacts []domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, artifacts...)
	return nil
}

func (f *fakeArtifacts) ListByJob(_ domain.Context, jobID string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Artifact
	for _, a := range f.created {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakeGateway replays a script of responses in order.
type fakeGateway struct {
	mu     sync.Mutex
	script []func() (domain.ChatResponse, error)
	calls  []domain.ChatRequest
}

func (g *fakeGateway) push(resp domain.ChatResponse, err error) {
	g.script = append(g.script, func() (domain.ChatResponse, error) { return resp, err })
}

func (g *fakeGateway) Invoke(_ domain.Context, _, _ string, req domain.ChatRequest) (domain.ChatResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.script) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("unscripted call %d", len(g.calls))
	}
	next := g.script[0]
	g.script = g.script[1:]
	return next()
}

type fakeSandbox struct {
	mu        sync.Mutex
	workspace string
	execs     []string
	exec      func(name string, input json.RawMessage) (domain.ToolResult, error)
	closed    int
}

func (s *fakeSandbox) ExecTool(_ domain.Context, name string, input json.RawMessage) (domain.ToolResult, error) {
	s.mu.Lock()
	s.execs = append(s.execs, name)
	s.mu.Unlock()
	if s.exec != nil {
		return s.exec(name, input)
	}
	return domain.ToolResult{Content: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *fakeSandbox) Workspace() string { return s.workspace }

func (s *fakeSandbox) Close(domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeRunner struct {
	sb        *fakeSandbox
	launchErr error
	launches  []domain.SandboxSpec
}

func (r *fakeRunner) Launch(_ domain.Context, spec domain.SandboxSpec) (domain.Sandbox, error) {
	r.launches = append(r.launches, spec)
	if r.launchErr != nil {
		return nil, r.launchErr
	}
	if r.sb.workspace == "" {
		r.sb.workspace = spec.Workspace
	}
	return r.sb, nil
}

type fakeScanner struct {
	artifacts []domain.Artifact
	err       error
	scans     []string
}

func (s *fakeScanner) Scan(workspace, jobID string, now time.Time) ([]domain.Artifact, error) {
	s.scans = append(s.scans, workspace)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Artifact, len(s.artifacts))
	for i, a := range s.artifacts {
		a.JobID = jobID
		a.CreatedAt = now
		out[i] = a
	}
	return out, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (c *captureSink) Publish(_ domain.Context, ev domain.JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

type fixedGate struct {
	allow   bool
	checks  []string
	admits  []string
	records []bool
}

func (g *fixedGate) Allows(provider string) bool {
	g.checks = append(g.checks, provider)
	return g.allow
}

func (g *fixedGate) Admit(provider string) bool {
	g.admits = append(g.admits, provider)
	return g.allow
}

func (g *fixedGate) Record(_ string, success bool) {
	g.records = append(g.records, success)
}

type fixedEstimator struct {
	in, out int64
}

func (e fixedEstimator) EstimateUsage(string, string) (int64, int64) { return e.in, e.out }
