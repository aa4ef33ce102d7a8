package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsHandlerSharesRegistry(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("ecp_sync_full").End(nil)

	body := scrape(t, metrics)
	assert.Contains(t, body, `odyssey_jobs_total{job="ecp_sync_full",status="success"} 1`)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "promhttp_metric_handler_requests_total")
}

func TestMetricsMiddlewareLabelsByRoutePattern(t *testing.T) {
	metrics := NewMetrics()
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/v1/principals/{id}/permissions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"u1", "u2", "u3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/principals/"+id+"/permissions", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.requests.WithLabelValues("/v1/principals/{id}/permissions", http.MethodGet, "418")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues(unmatchedRoute, http.MethodGet, "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))
	assert.Contains(t, scrape(t, metrics), `odyssey_http_request_duration_seconds_bucket{route="/v1/principals/{id}/permissions"`)
}

func TestNilMetricsDegrade(t *testing.T) {
	var metrics *Metrics
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	metrics.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
