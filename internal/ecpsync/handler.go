package ecpsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const (
	triggerLimit  = 6
	triggerWindow = time.Minute
)

// Service is what the handler needs from the synchronizer.
type Service interface {
	PerformFullSync(ctx context.Context) (SyncResult, error)
	PerformIncrementalSync(ctx context.Context) (SyncResult, error)
	SyncPrincipal(ctx context.Context, principalID string) (PrincipalResult, error)
	CheckConnection(ctx context.Context) ecp.Health
	History(ctx context.Context, limit int) ([]SyncResult, error)
}

// Handler exposes manual sync triggers and sync history.
type Handler struct {
	service Service
	guard   rbac.Middleware
	logger  *slog.Logger
}

// NewHandler constructs the sync handler.
func NewHandler(service Service, guard rbac.Middleware, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, guard: guard, logger: logger}
}

// MountRoutes registers the sync endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httpx.RateLimit(triggerLimit, triggerWindow, "sync trigger rate exceeded")
	r.Route("/sync", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAny(shared.PermSyncRun), limiter)
			r.Post("/full", h.full)
			r.Post("/incremental", h.incremental)
			r.Post("/principals/{id}", h.principal)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAny(shared.PermSyncView))
			r.Get("/history", h.history)
			r.Get("/connection", h.connection)
		})
	})
}

func (h *Handler) full(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.PerformFullSync(r.Context())
	h.respondRun(w, res, err)
}

func (h *Handler) incremental(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.PerformIncrementalSync(r.Context())
	h.respondRun(w, res, err)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SyncPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Warn("manual principal sync failed", slog.String("principal_id", chi.URLParam(r, "id")), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit := cast.ToInt(r.URL.Query().Get("limit"))
	results, err := h.service.History(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) connection(w http.ResponseWriter, r *http.Request) {
	health := h.service.CheckConnection(r.Context())
	status := http.StatusOK
	if !health.Connected {
		status = http.StatusBadGateway
	}
	httpx.JSON(w, status, health)
}

func (h *Handler) respondRun(w http.ResponseWriter, res SyncResult, err error) {
	if errors.Is(err, ErrSyncInProgress) {
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	httpx.JSON(w, status, res)
}
