package rbac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

type stubDecider struct {
	granted map[string]bool
	calls   []string
}

func (s *stubDecider) Allow(_ context.Context, principalID, resourceType, action string) (bool, string) {
	s.calls = append(s.calls, principalID+"|"+resourceType+"|"+action)
	if s.granted[action] {
		return true, ""
	}
	return false, "no matching permissions"
}

func serve(h http.Handler, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/roles", nil)
	if principal != "" {
		req.Header.Set(shared.PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	LoadPrincipal(h).ServeHTTP(rec, req)
	return rec
}

func TestRequireAny(t *testing.T) {
	decider := &stubDecider{granted: map[string]bool{shared.PermRolesCreate: true}}
	mw := Middleware{Decider: decider}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "admin-1", shared.PrincipalFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})

	rec := serve(mw.RequireAny(shared.PermPoliciesCreate, shared.PermRolesCreate)(ok), "admin-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{
		"admin-1|authz|policies:create",
		"admin-1|authz|roles:create",
	}, decider.calls)

	rec = serve(mw.RequireAny(shared.PermSyncRun)(ok), "admin-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(mw.RequireAny(shared.PermRolesCreate)(ok), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAll(t *testing.T) {
	decider := &stubDecider{granted: map[string]bool{shared.PermSyncRun: true}}
	mw := Middleware{Decider: decider}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := serve(mw.RequireAll(shared.PermSyncRun, shared.PermSyncView)(ok), "ops")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	decider.granted[shared.PermSyncView] = true
	rec = serve(mw.RequireAll(shared.PermSyncRun, shared.PermSyncView)(ok), "ops")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateEdge(t *testing.T) {
	existing := []HierarchyEdge{
		{ParentRoleID: "B", ChildRoleID: "A"},
		{ParentRoleID: "C", ChildRoleID: "B"},
	}
	require.NoError(t, ValidateEdge(existing, "D", "C"))

	for _, tc := range [][2]string{{"A", "C"}, {"B", "A"}, {"A", "A"}} {
		err := ValidateEdge(existing, tc[0], tc[1])
		require.Error(t, err, tc)
		assert.True(t, errors.Is(err, shared.ErrConflict), tc)
	}
}

func TestValidateEdgeToleratesStoredCycle(t *testing.T) {
	corrupted := []HierarchyEdge{
		{ParentRoleID: "X", ChildRoleID: "Y"},
		{ParentRoleID: "Y", ChildRoleID: "X"},
	}
	require.NoError(t, ValidateEdge(corrupted, "Z", "X"))
}
