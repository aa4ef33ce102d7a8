package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const (
	timelineLimit  = 30
	timelineWindow = time.Minute
)

// MountRoutes registers the audit timeline endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/audit", func(r chi.Router) {
		r.Use(h.guard.RequireAny(shared.PermAuditView), httpx.RateLimit(timelineLimit, timelineWindow, "audit query rate exceeded"))
		r.Get("/checks", h.handleTimeline)
		r.Get("/principals/{id}/sync", h.handleSyncHistory)
	})
}
