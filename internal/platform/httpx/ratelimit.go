package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RateLimit limits requests per principal, falling back to the client IP for
// anonymous callers. Rejections are answered with a 429 problem document.
func RateLimit(limit int, window time.Duration, detail string) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(PrincipalOrIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			Problem(w, http.StatusTooManyRequests, "", detail)
		}),
	)
}

// PrincipalOrIP keys a request by the calling principal, or by IP.
func PrincipalOrIP(r *http.Request) (string, error) {
	if principal := strings.TrimSpace(shared.PrincipalFromContext(r.Context())); principal != "" {
		return "principal:" + principal, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
