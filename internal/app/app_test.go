package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	_ "github.com/odyssey-erp/odyssey-authz/internal/testing/guard"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ECP_SYNC_ENABLED", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.EcpSyncInterval)
	assert.Equal(t, 30*time.Second, cfg.EcpBulkTimeout)
	assert.Equal(t, 10*time.Second, cfg.EcpHealthTimeout)
	assert.Equal(t, "ecp-synchronizer", cfg.EcpSynchronizerID)
	assert.False(t, cfg.IsProduction())

	opts := cfg.DBOptions("odyssey-authz")
	assert.Equal(t, cfg.PGDSN, opts.DSN)
	assert.Equal(t, int32(10), opts.MaxConns)
	assert.Equal(t, 30*time.Minute, opts.MaxConnLifetime)
	assert.Equal(t, "odyssey-authz", opts.ApplicationName)
}

func TestConfigRequiresBaseURLWhenSyncEnabled(t *testing.T) {
	t.Setenv("ECP_SYNC_ENABLED", "true")
	t.Setenv("ECP_BASE_URL", "")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ECP_BASE_URL")

	t.Setenv("ECP_BASE_URL", "https://ecp.internal")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.EcpSyncEnabled)
}

func TestSyncSchedulerMode(t *testing.T) {
	cfg := &Config{EcpSynchronizerID: "ecp-synchronizer", EcpSyncInterval: time.Minute, EcpSyncScheduler: "cron"}
	assert.Error(t, cfg.Validate())

	cfg.EcpSyncScheduler = SyncSchedulerQueue
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.QueueSync())

	cfg.EcpSyncEnabled = true
	cfg.EcpBaseURL = "https://ecp.internal"
	assert.True(t, cfg.QueueSync())
	assert.False(t, cfg.InProcessSync())
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv("AUTHZ_TEST_MODE", "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Setenv("AUTHZ_TEST_MODE", "true")
	assert.True(t, RefreshTestMode())
	t.Setenv("AUTHZ_TEST_MODE", "")
	RefreshTestMode()
	assert.False(t, InTestMode())
	t.Cleanup(func() { RefreshTestMode() })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel(&Config{LogLevel: "debug"}).String())
	assert.Equal(t, "WARN", parseLevel(&Config{LogLevel: "Warning"}).String())
	assert.Equal(t, "INFO", parseLevel(nil).String())
}

func TestRouterHealthAndMetrics(t *testing.T) {
	healthy := true
	router := NewRouter(RouterParams{
		Config:  &Config{AppRequestTimeout: time.Second, AppRateLimit: 100},
		Metrics: observability.NewMetrics(),
		HealthChecks: map[string]HealthCheck{
			"postgres": func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			},
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Components["postgres"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `odyssey_http_requests_total{code="503",method="GET",route="/healthz"} 1`))
}

func TestRateLimitKeysByPrincipal(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppRequestTimeout: time.Second, AppRateLimit: 1}})
	hit := func(principal string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Principal-ID", principal)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, hit("svc-a"))
	assert.Equal(t, http.StatusTooManyRequests, hit("svc-a"))
	assert.Equal(t, http.StatusOK, hit("svc-b"))
}
