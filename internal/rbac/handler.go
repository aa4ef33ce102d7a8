package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Handler exposes the admin write operations over JSON.
type Handler struct {
	service *Service
	guard   Middleware
	logger  *slog.Logger
}

// NewHandler constructs the admin handler.
func NewHandler(service *Service, guard Middleware, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, guard: guard, logger: logger}
}

// MountRoutes registers the admin endpoints under /v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.RequireAny(shared.PermRolesCreate)).Post("/roles", h.createRole)
	r.With(h.guard.RequireAny(shared.PermAssignmentsCreate)).Post("/assignments", h.assignRole)
	r.With(h.guard.RequireAny(shared.PermAssignmentsRevoke)).Delete("/assignments/{id}", h.revokeAssignment)
	r.With(h.guard.RequireAny(shared.PermHierarchyEdit)).Post("/hierarchy", h.addEdge)
	r.With(h.guard.RequireAny(shared.PermPoliciesCreate)).Post("/policies", h.createPolicy)
	r.With(h.guard.RequireAny(shared.PermMappingsCreate)).Post("/mappings", h.createMapping)
}

type createdResponse struct {
	ID string `json:"id"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.service.CreateRole(r.Context(), req, shared.PrincipalFromContext(r.Context()))
	h.respondCreated(w, id, err)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req AssignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.service.AssignRole(r.Context(), req, shared.PrincipalFromContext(r.Context()))
	h.respondCreated(w, id, err)
}

func (h *Handler) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	err := h.service.RevokeAssignment(r.Context(), chi.URLParam(r, "id"), shared.PrincipalFromContext(r.Context()))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addEdge(w http.ResponseWriter, r *http.Request) {
	var req AddHierarchyEdgeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.service.AddHierarchyEdge(r.Context(), req)
	h.respondCreated(w, id, err)
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.service.CreatePolicy(r.Context(), req)
	h.respondCreated(w, id, err)
}

func (h *Handler) createMapping(w http.ResponseWriter, r *http.Request) {
	var req CreateMappingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.service.CreateEcpRoleMapping(r.Context(), req, shared.PrincipalFromContext(r.Context()))
	h.respondCreated(w, id, err)
}

func (h *Handler) respondCreated(w http.ResponseWriter, id string, err error) {
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	h.logger.Warn("rbac admin request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
