package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

type runProfile struct {
	job     string
	runs    int
	took    time.Duration
	created int
	removed int
	err     error
}

func TestSyncRunThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	profiles := []runProfile{
		{job: "ecp_sync_incremental", runs: 60, took: 12 * time.Millisecond, created: 2},
		{job: "ecp_sync_full", runs: 15, took: 40 * time.Millisecond, removed: 1},
		{job: "ecp_sync_incremental", runs: 3, took: 15 * time.Millisecond, err: errors.New("ecp unreachable")},
	}
	for _, p := range profiles {
		for i := 0; i < p.runs; i++ {
			tracker := metrics.Track(p.job)
			time.Sleep(p.took)
			metrics.AddAssignmentChanges("created", p.created)
			metrics.AddAssignmentChanges("removed", p.removed)
			require.Equal(t, p.err, tracker.End(p.err))
		}
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}

	success := sample(t, byName, "odyssey_jobs_total", "job", "ecp_sync_incremental", "status", "success").GetCounter().GetValue()
	failure := sample(t, byName, "odyssey_jobs_total", "job", "ecp_sync_incremental", "status", "failure").GetCounter().GetValue()
	require.Positive(t, success+failure)
	assert.GreaterOrEqual(t, success/(success+failure), 0.9)

	assert.Equal(t, 120.0, sample(t, byName, "odyssey_ecp_assignment_changes_total", "change", "created").GetCounter().GetValue())
	assert.Equal(t, 15.0, sample(t, byName, "odyssey_ecp_assignment_changes_total", "change", "removed").GetCounter().GetValue())
	assert.Zero(t, sample(t, byName, "odyssey_jobs_in_progress", "job", "ecp_sync_full").GetGauge().GetValue())

	budgets := map[string]float64{"ecp_sync_full": 2.0, "ecp_sync_incremental": 0.5}
	for job, budget := range budgets {
		hist := sample(t, byName, "odyssey_job_duration_seconds", "job", job).GetHistogram()
		require.NotZero(t, hist.GetSampleCount(), job)
		assert.LessOrEqual(t, hist.GetSampleSum()/float64(hist.GetSampleCount()), budget, job)
	}
}

// sample returns the metric of family name whose labels include every
// key/value pair given.
func sample(t *testing.T, families map[string]*dto.MetricFamily, name string, labelPairs ...string) *dto.Metric {
	t.Helper()
	fam, ok := families[name]
	require.True(t, ok, "metric family %s not gathered", name)
	for _, metric := range fam.GetMetric() {
		have := make(map[string]string, len(metric.GetLabel()))
		for _, lp := range metric.GetLabel() {
			have[lp.GetName()] = lp.GetValue()
		}
		matched := true
		for i := 0; i+1 < len(labelPairs); i += 2 {
			if have[labelPairs[i]] != labelPairs[i+1] {
				matched = false
				break
			}
		}
		if matched {
			return metric
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labelPairs)
	return nil
}
