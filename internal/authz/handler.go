package authz

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const maxBulkItems = 200

// Handler exposes the evaluator over JSON.
type Handler struct {
	evaluator *Evaluator
}

// NewHandler constructs the check handler.
func NewHandler(evaluator *Evaluator) *Handler {
	return &Handler{evaluator: evaluator}
}

// MountRoutes registers the check endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check/bulk", h.bulk)
	r.Get("/principals/{id}/permissions", h.summary)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req Check
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.evaluator.CheckPermission(r.Context(), req))
}

type bulkRequest struct {
	PrincipalID string      `json:"principal_id"`
	Checks      []CheckItem `json:"checks"`
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	switch {
	case req.PrincipalID == "":
		httpx.RespondError(w, shared.Validationf("principal_id required"))
		return
	case len(req.Checks) == 0:
		httpx.RespondError(w, shared.Validationf("checks required"))
		return
	case len(req.Checks) > maxBulkItems:
		httpx.RespondError(w, shared.Validationf("at most %d checks per request", maxBulkItems))
		return
	}
	httpx.JSON(w, http.StatusOK, h.evaluator.BulkCheckPermissions(r.Context(), req.PrincipalID, req.Checks))
}

// summary is open to the principal itself; anyone else needs permissions:view.
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	caller := shared.PrincipalFromContext(r.Context())
	if caller == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if caller != target {
		if ok, _ := h.evaluator.Allow(r.Context(), caller, shared.AdminResourceType, shared.PermPermissionsView); !ok {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
	}
	out, err := h.evaluator.UserPermissionSummary(r.Context(), target)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}
