package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type ruleFile struct {
	Groups []alertGroup `yaml:"groups"`
}

func readRepoFile(t *testing.T, parts ...string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{"..", ".."}, parts...)...))
	require.NoError(t, err)
	return data
}

func TestAuthzAlertRulesLinkRunbook(t *testing.T) {
	var file ruleFile
	require.NoError(t, yaml.Unmarshal(readRepoFile(t, "deploy", "prometheus", "alerts", "authz.yml"), &file))
	group, ok := lo.Find(file.Groups, func(g alertGroup) bool { return g.Name == "authz" })
	require.True(t, ok, "authz group missing")

	runbook := strings.ToLower(string(readRepoFile(t, "docs", "runbook-authz.md")))

	expected := map[string]struct {
		severity string
		anchor   string
		metric   string
	}{
		"AuthzInternalErrors": {"critical", "internal-errors", "authz_checks_total"},
		"AuthzCheckLatency":   {"warning", "check-latency", "authz_check_duration_seconds"},
		"AuthzAuditDropping":  {"warning", "audit-dropping", "authz_audit_dropped_total"},
		"EcpSyncFailing":      {"warning", "sync-failing", "odyssey_jobs_failures_total"},
		"EcpSyncStale":        {"warning", "sync-stale", "odyssey_job_last_success_timestamp_seconds"},
	}
	assert.ElementsMatch(t, lo.Keys(expected), lo.Map(group.Rules, func(r alertRule, _ int) string { return r.Alert }))

	for _, rule := range group.Rules {
		want, ok := expected[rule.Alert]
		if !ok {
			continue
		}
		t.Run(rule.Alert, func(t *testing.T) {
			assert.Equal(t, want.severity, rule.Labels["severity"])
			assert.Equal(t, "docs/runbook-authz.md#"+want.anchor, rule.Annotations["runbook"])
			assert.NotEmpty(t, rule.Annotations["summary"])
			assert.NotEmpty(t, rule.Annotations["description"])
			assert.NotEmpty(t, rule.For)
			assert.Contains(t, rule.Expr, want.metric)
			assert.Contains(t, runbook, "## "+strings.ReplaceAll(want.anchor, "-", " "))
		})
	}
}
