package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for permission decisions.
type Metrics struct {
	checks   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the decision metrics. A nil registerer yields nil,
// which every method tolerates.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_checks_total",
		Help: "Permission checks partitioned by outcome.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_check_duration_seconds",
		Help:    "Wall clock time spent evaluating a permission check.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	registerer.MustRegister(checks, duration)
	return &Metrics{checks: checks, duration: duration}
}

func (m *Metrics) observe(res Result, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	switch {
	case failed:
		outcome = "error"
	case res.Allowed:
		outcome = "allowed"
	}
	m.checks.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}
