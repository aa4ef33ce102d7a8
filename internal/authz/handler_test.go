package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

func newTestRouter(ev *Evaluator) http.Handler {
	r := chi.NewRouter()
	r.Use(rbac.LoadPrincipal)
	r.Route("/v1", NewHandler(ev).MountRoutes)
	return r
}

func TestHandlerCheck(t *testing.T) {
	store, src := workspaceManagerFixture()
	router := newTestRouter(newEvaluator(store, src, nil))

	body := `{"principal_id":"u1","resource_type":"workspace","resource_id":"w1","action":"read:documents"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Allowed)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(`{"resource_type":"doc"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerBulk(t *testing.T) {
	store, src := workspaceManagerFixture()
	router := newTestRouter(newEvaluator(store, src, nil))

	body := `{"principal_id":"u1","checks":[
		{"resource_type":"workspace","resource_id":"w1","action":"read:documents"},
		{"resource_type":"workspace","resource_id":"w1","action":"write:documents"}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/check/bulk", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var out BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Allowed)
	assert.Equal(t, 1, out.Denied)
}

func TestHandlerSummaryRequiresViewPermissionForOthers(t *testing.T) {
	store, src := workspaceManagerFixture()
	router := newTestRouter(newEvaluator(store, src, nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/principals/u1/permissions", nil)
	req.Header.Set(shared.PrincipalHeader, "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/principals/u1/permissions", nil)
	req.Header.Set(shared.PrincipalHeader, "u2")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/principals/u1/permissions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
