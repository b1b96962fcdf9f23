package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
	"github.com/forgestack/agentd/internal/observability"
	"github.com/forgestack/agentd/internal/usecase"
)

type adminFixture struct {
	jobs     *stubJobs
	queue    *stubQueue
	breakers *observability.CircuitRegistry
	router   chi.Router
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	jobs := newStubJobs()
	queue := newStubQueue()
	breakers := observability.NewCircuitRegistry(5, time.Minute, nil)
	cfg := config.Config{AdminUsername: "ops", AdminPassword: "hunter2"}
	admin := NewAdmin(cfg, usecase.NewAdminService(jobs, queue), breakers)
	r := chi.NewRouter()
	admin.MountRoutes(r)
	return &adminFixture{jobs: jobs, queue: queue, breakers: breakers, router: r}
}

func (f *adminFixture) do(t *testing.T, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.SetBasicAuth("ops", "hunter2")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) seedDead(id string) {
	reason := "max retries (3) exceeded: provider unavailable"
	f.jobs.put(domain.Job{ID: id, ProjectID: "p1", Status: domain.JobDeadLetter, RetryCount: 3, MaxRetries: 3, FailureReason: &reason})
	f.queue.dead = append(f.queue.dead, domain.DeadEnvelope{JobID: id, Attempt: 4, Reason: reason, FailedAt: time.Now().UTC()})
}

func TestAdmin_RequiresAuth(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/dlq", false)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestAdmin_RejectsBadCredentials(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	req.SetBasicAuth("ops", "wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_AcceptsArgon2Credential(t *testing.T) {
	hash, err := HashPassword("hunter2", defaultArgon2Params)
	require.NoError(t, err)

	jobs := newStubJobs()
	queue := newStubQueue()
	cfg := config.Config{AdminUsername: "ops", AdminPassword: hash}
	admin := NewAdmin(cfg, usecase.NewAdminService(jobs, queue), observability.NewCircuitRegistry(5, time.Minute, nil))
	r := chi.NewRouter()
	admin.MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	req.SetBasicAuth("ops", "hunter2")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_ListDLQ(t *testing.T) {
	f := newAdminFixture(t)
	f.seedDead("7c1f4d2e-aaaa-4bbb-8ccc-000000000001")
	f.seedDead("7c1f4d2e-aaaa-4bbb-8ccc-000000000002")

	rec := f.do(t, http.MethodGet, "/admin/dlq?page=1&limit=1", true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	items := body["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "7c1f4d2e-aaaa-4bbb-8ccc-000000000001", first["job_id"])
	assert.Equal(t, float64(4), first["attempt"])
}

func TestAdmin_ListDLQBadPagination(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/dlq?page=0", true)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Redrive(t *testing.T) {
	f := newAdminFixture(t)
	f.seedDead("7c1f4d2e-aaaa-4bbb-8ccc-000000000001")

	rec := f.do(t, http.MethodPost, "/admin/dlq/7c1f4d2e-aaaa-4bbb-8ccc-000000000001/redrive", true)

	require.Equal(t, http.StatusOK, rec.Code)
	row := f.jobs.get("7c1f4d2e-aaaa-4bbb-8ccc-000000000001")
	assert.Equal(t, domain.JobPending, row.Status)
	assert.Zero(t, row.RetryCount)
	require.Len(t, f.queue.incoming, 1)
	assert.Equal(t, 1, f.queue.incoming[0].Attempt)
	assert.Empty(t, f.queue.dead)
}

func TestAdmin_RedriveUnknownJob(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/dlq/7c1f4d2e-aaaa-4bbb-8ccc-00000000dead/redrive", true)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_DeleteDLQ(t *testing.T) {
	f := newAdminFixture(t)
	f.seedDead("7c1f4d2e-aaaa-4bbb-8ccc-000000000001")

	rec := f.do(t, http.MethodDelete, "/admin/dlq/7c1f4d2e-aaaa-4bbb-8ccc-000000000001", true)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.queue.dead)
	// The row keeps its dead-letter status as the audit trail.
	assert.Equal(t, domain.JobDeadLetter, f.jobs.get("7c1f4d2e-aaaa-4bbb-8ccc-000000000001").Status)
}

func TestAdmin_CancelRunningJob(t *testing.T) {
	f := newAdminFixture(t)
	f.jobs.put(domain.Job{ID: "7c1f4d2e-aaaa-4bbb-8ccc-000000000001", Status: domain.JobRunning})

	rec := f.do(t, http.MethodPost, "/admin/jobs/7c1f4d2e-aaaa-4bbb-8ccc-000000000001/cancel", true)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotNil(t, f.jobs.get("7c1f4d2e-aaaa-4bbb-8ccc-000000000001").CancelRequestedAt)
}

func TestAdmin_CancelTerminalJobConflicts(t *testing.T) {
	f := newAdminFixture(t)
	f.jobs.put(domain.Job{ID: "7c1f4d2e-aaaa-4bbb-8ccc-000000000001", Status: domain.JobCompleted})

	rec := f.do(t, http.MethodPost, "/admin/jobs/7c1f4d2e-aaaa-4bbb-8ccc-000000000001/cancel", true)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_Breakers(t *testing.T) {
	f := newAdminFixture(t)
	f.breakers.Record("anthropic", false)
	f.breakers.Record("groq", true)

	rec := f.do(t, http.MethodGet, "/admin/breakers", true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	breakers := body["breakers"].([]any)
	require.Len(t, breakers, 2)
	first := breakers[0].(map[string]any)
	assert.Equal(t, "anthropic", first["provider"])
	assert.Equal(t, float64(1), first["failures"])
}
