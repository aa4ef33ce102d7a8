package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// QueueInspector is the subset of asynq.Inspector the handler reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// SyncEnqueuer submits sync tasks; *Client satisfies it.
type SyncEnqueuer interface {
	EnqueueEcpSync(ctx context.Context, taskType string, payload EcpSyncPayload) (*asynq.TaskInfo, error)
}

// Handler exposes queue health and queued sync triggers.
type Handler struct {
	inspector QueueInspector
	enqueuer  SyncEnqueuer
	guard     rbac.Middleware
	logger    *slog.Logger
}

// NewHandler constructs the jobs handler. A nil enqueuer disables the
// trigger routes.
func NewHandler(inspector QueueInspector, enqueuer SyncEnqueuer, guard rbac.Middleware, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, enqueuer: enqueuer, guard: guard, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.With(h.guard.RequireAny(shared.PermSyncView)).Get("/health", h.health)
		r.Group(func(r chi.Router) {
			r.Use(h.guard.RequireAny(shared.PermSyncRun))
			r.Post("/sync/full", h.enqueue(TaskEcpSyncFull))
			r.Post("/sync/incremental", h.enqueue(TaskEcpSyncIncremental))
			r.Post("/sync/principals/{id}", h.enqueue(TaskEcpSyncPrincipal))
		})
	})
}

type queueHealth struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
	Paused    bool   `json:"paused"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := queueHealth{Queue: QueueDefault}
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, out)
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "", "queue unavailable")
		return
	}
	if info != nil {
		out = queueHealth{
			Queue:     info.Queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

type enqueued struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

func (h *Handler) enqueue(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.enqueuer == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "", "queue not configured")
			return
		}
		info, err := h.enqueuer.EnqueueEcpSync(r.Context(), taskType, EcpSyncPayload{
			PrincipalID: chi.URLParam(r, "id"),
			RequestedBy: shared.PrincipalFromContext(r.Context()),
		})
		switch {
		case errors.Is(err, asynq.ErrDuplicateTask):
			httpx.Problem(w, http.StatusConflict, "", "an identical sync task is already queued")
			return
		case err != nil:
			if !errors.Is(err, shared.ErrValidation) {
				h.logger.Error("enqueue sync task", slog.String("type", taskType), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueued{TaskID: info.ID, Type: info.Type, Queue: info.Queue})
	}
}
