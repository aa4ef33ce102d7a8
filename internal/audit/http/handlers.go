// Package audithttp serves the permission check timeline and sync history.
package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	SyncHistory(ctx context.Context, principalID string, limit int) ([]audit.SyncEntry, error)
}

// Handler serves audit reads.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	guard   rbac.Middleware
	now     func() time.Time
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service TimelineService, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, now: time.Now}
}

type checkRow struct {
	ID                 string         `json:"id"`
	PrincipalID        string         `json:"principal_id"`
	ResourceType       string         `json:"resource_type"`
	ResourceID         string         `json:"resource_id,omitempty"`
	Action             string         `json:"action"`
	Allowed            bool           `json:"allowed"`
	Reason             string         `json:"reason"`
	MatchedPermissions int            `json:"matched_permissions"`
	DeniedReasons      []string       `json:"denied_reasons,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Error              string         `json:"error,omitempty"`
	ProcessingTimeMS   int64          `json:"processing_time_ms"`
	CheckedAt          time.Time      `json:"checked_at"`
}

type syncRow struct {
	ID           string         `json:"id"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	RoleID       string         `json:"role_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	Event        string         `json:"event"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	rows := make([]checkRow, 0, len(result.Rows))
	for _, e := range result.Rows {
		rows = append(rows, checkRow{
			ID: e.ID, PrincipalID: e.PrincipalID, ResourceType: e.ResourceType, ResourceID: e.ResourceID,
			Action: e.Action, Allowed: e.Allowed, Reason: e.Reason, MatchedPermissions: e.MatchedPermissions,
			DeniedReasons: e.DeniedReasons, Context: e.Context, Error: e.Error,
			ProcessingTimeMS: e.ProcessingTime.Milliseconds(), CheckedAt: e.CheckedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows, "paging": result.Paging})
}

func (h *Handler) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httpx.RespondError(w, shared.Validationf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := h.service.SyncHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.handleServerError(w, "load sync history", err)
		return
	}
	rows := make([]syncRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, syncRow{
			ID: e.ID, AssignmentID: e.AssignmentID, RoleID: e.RoleID, ResourceType: e.ResourceType,
			ResourceID: e.ResourceID, Event: string(e.Event), Reason: e.Reason, Details: e.Details, OccurredAt: e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"principal_id": chi.URLParam(r, "id"), "entries": rows})
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.TimelineFilters{}, shared.Validationf("to must be YYYY-MM-DD")
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format("2006-01-02")
	}
	fromTime, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return audit.TimelineFilters{}, shared.Validationf("from must be YYYY-MM-DD")
	}
	if fromTime.After(toTime) || toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, shared.Validationf("date range must be ordered and at most %d days", maxDateRangeHours/24)
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, shared.Validationf("page must be a positive integer")
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, shared.Validationf("page_size must be a positive integer")
		}
		pageSize = min(parsed, maxPageSize)
	}

	var allowed *bool
	if v := strings.TrimSpace(q.Get("allowed")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return audit.TimelineFilters{}, shared.Validationf("allowed must be true or false")
		}
		allowed = &parsed
	}

	return audit.TimelineFilters{
		From:        fromTime,
		To:          toTime.Add(24 * time.Hour),
		PrincipalID: strings.TrimSpace(q.Get("principal_id")),
		Action:      strings.TrimSpace(q.Get("action")),
		Allowed:     allowed,
		Page:        page,
		PageSize:    pageSize,
	}, nil
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}
