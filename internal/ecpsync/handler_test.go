package ecpsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

type actionDecider map[string]bool

func (d actionDecider) Allow(_ context.Context, principalID, _, action string) (bool, string) {
	if d[principalID+"|"+action] {
		return true, ""
	}
	return false, "no matching permissions"
}

func newSyncRouter(t *testing.T, h *harness) http.Handler {
	t.Helper()
	guard := rbac.Middleware{Decider: actionDecider{
		"ops|" + shared.PermSyncRun:      true,
		"ops|" + shared.PermSyncView:     true,
		"auditor|" + shared.PermSyncView: true,
	}}
	r := chi.NewRouter()
	r.Use(rbac.LoadPrincipal)
	r.Route("/v1", NewHandler(h.sync, guard, nil).MountRoutes)
	return r
}

func serve(router http.Handler, method, path, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if principal != "" {
		req.Header.Set(shared.PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerTriggersFullSync(t *testing.T) {
	h := newHarness(t, ecp.ExternalRole{PrincipalID: "u1", RoleID: "workspace-admin"})
	router := newSyncRouter(t, h)

	rec := serve(router, http.MethodPost, "/v1/sync/full", "ops")
	require.Equal(t, http.StatusOK, rec.Code)
	var res SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Created)

	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodPost, "/v1/sync/full", "auditor").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodPost, "/v1/sync/full", "").Code)
}

func TestHandlerReportsRunInProgress(t *testing.T) {
	h := newHarness(t)
	h.sync.running.Store(true)
	rec := serve(newSyncRouter(t, h), http.MethodPost, "/v1/sync/incremental", "ops")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerReportsSourceDown(t *testing.T) {
	h := newHarness(t)
	h.source.listErr = shared.ExternalSyncf(nil, "list roles")
	rec := serve(newSyncRouter(t, h), http.MethodPost, "/v1/sync/full", "ops")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = serve(newSyncRouter(t, h), http.MethodGet, "/v1/sync/connection", "auditor")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlerPrincipalSyncAndHistory(t *testing.T) {
	h := newHarness(t, ecp.ExternalRole{PrincipalID: "u1", RoleID: "workspace-admin"})
	router := newSyncRouter(t, h)

	rec := serve(router, http.MethodPost, "/v1/sync/principals/u1", "ops")
	require.Equal(t, http.StatusOK, rec.Code)
	var pr PrincipalResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Equal(t, 1, pr.Created)

	require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/v1/sync/full", "ops").Code)
	rec = serve(router, http.MethodGet, "/v1/sync/history?limit=5", "auditor")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []SyncResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, SyncFull, body.Results[0].Type)
}

func TestHandlerRateLimitsTriggers(t *testing.T) {
	h := newHarness(t)
	router := newSyncRouter(t, h)
	for i := 0; i < triggerLimit; i++ {
		require.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/v1/sync/full", "ops").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/v1/sync/full", "ops").Code)
}
