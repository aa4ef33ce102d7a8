package catalog

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var permissionScopeCheck = regexp.MustCompile(`(?m)^\s*scope\s+TEXT[^\n]*CHECK \(scope IN \(([^)]*)\)\)`)

func TestSchemaAcceptsEveryScope(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_authz_core.sql"))
	require.NoError(t, err)

	m := permissionScopeCheck.FindStringSubmatch(string(raw))
	require.Len(t, m, 2, "permissions.scope check not found")
	for _, s := range []Scope{ScopeGlobal, ScopeTenant, ScopeWorkspace, ScopeResource} {
		require.True(t, s.Valid())
		require.Contains(t, m[1], "'"+string(s)+"'", "schema rejects scope %s", s)
	}
}
