// Package jobmetrics instruments background runs such as external role sync.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics groups the run collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inProgress  *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	changes     *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when registerer is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_total",
			Help: "Job runs by job name and outcome.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_jobs_failures_total",
			Help: "Failed job runs by job name.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_job_duration_seconds",
			Help:    "Wall time of job runs.",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_jobs_in_progress",
			Help: "Runs currently executing per job.",
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odyssey_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ecp_assignment_changes_total",
			Help: "Assignment mutations applied by external role sync, by change kind.",
		}, []string{"change"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.inProgress, m.lastSuccess, m.changes)
	return m
}

// Tracker measures one run from Track until End.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
	once    sync.Once
}

// Track marks job as started.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m != nil && job != "" {
		m.inProgress.WithLabelValues(job).Inc()
	}
	return t
}

// End records the outcome of the run and returns err unchanged. Only the
// first call counts.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	t.once.Do(func() {
		m := t.metrics
		m.inProgress.WithLabelValues(t.job).Dec()
		m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
		if err != nil {
			m.runs.WithLabelValues(t.job, statusFailure).Inc()
			m.failures.WithLabelValues(t.job).Inc()
			return
		}
		m.runs.WithLabelValues(t.job, statusSuccess).Inc()
		m.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	})
	return err
}

// AddAssignmentChanges counts assignment mutations applied by a sync run.
func (m *Metrics) AddAssignmentChanges(change string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.changes.WithLabelValues(change).Add(float64(count))
}
