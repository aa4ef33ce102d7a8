package rbac

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Decider answers whether a principal may perform an action on a resource type.
type Decider interface {
	Allow(ctx context.Context, principalID, resourceType, action string) (bool, string)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Decider Decider
	Logger  *slog.Logger
}

// LoadPrincipal copies the caller principal header into the request context.
func LoadPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(shared.PrincipalHeader)); id != "" {
			r = r.WithContext(shared.ContextWithPrincipal(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the caller holds at least one of the admin actions.
func (m Middleware) RequireAny(actions ...string) func(http.Handler) http.Handler {
	normalized := normalizeActions(actions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if principal == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			var reason string
			for _, action := range normalized {
				allowed, why := m.Decider.Allow(r.Context(), principal, shared.AdminResourceType, action)
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
				reason = why
			}
			if m.Logger != nil {
				m.Logger.Info("rbac denied",
					slog.String("principal_id", principal),
					slog.String("path", r.URL.Path),
					slog.String("reason", reason))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the caller holds every listed admin action.
func (m Middleware) RequireAll(actions ...string) func(http.Handler) http.Handler {
	normalized := normalizeActions(actions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if len(normalized) > 0 && principal == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			for _, action := range normalized {
				if allowed, _ := m.Decider.Allow(r.Context(), principal, shared.AdminResourceType, action); !allowed {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	normalized := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(strings.ToLower(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		normalized = append(normalized, a)
	}
	return normalized
}
