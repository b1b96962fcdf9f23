package httpserver

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
	"github.com/forgestack/agentd/internal/observability"
	"github.com/forgestack/agentd/internal/usecase"
)

// Admin serves the operator surface: dead-letter inspection and re-drives,
// job cancellation, and circuit breaker stats. All routes sit behind basic
// auth; in production the configured password is an Argon2id hash.
type Admin struct {
	Cfg      config.Config
	Svc      usecase.AdminService
	Breakers *observability.CircuitRegistry
}

// NewAdmin constructs the admin surface.
func NewAdmin(cfg config.Config, svc usecase.AdminService, breakers *observability.CircuitRegistry) *Admin {
	return &Admin{Cfg: cfg, Svc: svc, Breakers: breakers}
}

// MountRoutes mounts the authenticated admin routes.
func (a *Admin) MountRoutes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(AdminAuth(a.Cfg.AdminUsername, a.Cfg.AdminPassword))
		ar.Get("/dlq", a.ListDLQHandler())
		ar.Post("/dlq/{job_id}/redrive", a.RedriveHandler())
		ar.Delete("/dlq/{job_id}", a.DeleteDLQHandler())
		ar.Post("/jobs/{id}/cancel", a.CancelHandler())
		ar.Get("/breakers", a.BreakersHandler())
	})
}

// ListDLQHandler pages through dead-letter envelopes, newest first.
func (a *Admin) ListDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if v := ValidatePagination(q.Get("page"), q.Get("limit")); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), v.Errors)
			return
		}
		page := int64(1)
		if p, err := strconv.ParseInt(q.Get("page"), 10, 64); err == nil && p > 0 {
			page = p
		}
		limit := int64(0)
		if l, err := strconv.ParseInt(q.Get("limit"), 10, 64); err == nil {
			limit = l
		}
		items, err := a.Svc.ListDead(r.Context(), (page-1)*max64(limit, 1), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"page":  page,
			"count": len(items),
		})
	}
}

// RedriveHandler resets a dead-letter job and republishes it with a fresh
// retry budget.
func (a *Admin) RedriveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		if err := a.Svc.Redrive(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(domain.JobPending)})
	}
}

// DeleteDLQHandler discards the queue envelope. The job row keeps its
// dead-letter status as the audit record.
func (a *Admin) DeleteDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		if err := a.Svc.DeleteDead(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CancelHandler requests cooperative cancellation of a pending or running
// job. The dispatcher observes the flag between iterations.
func (a *Admin) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		if v := ValidateJobID(jobID); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		if err := a.Svc.Cancel(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": jobID, "cancel_requested": true})
	}
}

// BreakersHandler reports per-provider circuit state.
func (a *Admin) BreakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := a.Breakers.Snapshot()
		sort.Slice(stats, func(i, j int) bool { return stats[i].Provider < stats[j].Provider })
		writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
