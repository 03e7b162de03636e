// Package metrics holds the prometheus collectors of the ledger. Every
// holder is nil-safe so callers never need to guard metric calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Credit flows counted by Ledger.AddCredits.
const (
	FlowIssued   = "issued"
	FlowSpent    = "spent"
	FlowRefunded = "refunded"
	FlowExpired  = "expired"
	FlowRevived  = "revived"
	FlowAdjusted = "adjusted"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger counts engine operations and the credits they move.
type Ledger struct {
	operations *prometheus.CounterVec
	credits    *prometheus.CounterVec
}

// NewLedger registers the ledger metrics on reg. A nil reg yields a
// holder that records nothing.
func NewLedger(reg prometheus.Registerer) *Ledger {
	if reg == nil {
		return &Ledger{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_operations_total",
		Help: "Ledger operations by name and outcome.",
	}, []string{"operation", "outcome"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_moved_total",
		Help: "Credits moved by the ledger, by flow.",
	}, []string{"flow"})
	reg.MustRegister(operations, credits)
	return &Ledger{operations: operations, credits: credits}
}

// ObserveOperation counts one operation, labelled ok or error.
func (l *Ledger) ObserveOperation(op string, err error) {
	if l == nil || l.operations == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	l.operations.WithLabelValues(op, outcome).Inc()
}

// AddCredits adds n credits to a flow. Negative values are ignored.
func (l *Ledger) AddCredits(flow string, n int64) {
	if l == nil || l.credits == nil || n <= 0 {
		return
	}
	l.credits.WithLabelValues(flow).Add(float64(n))
}

// =============================================================================
// JOBS
// =============================================================================

// Jobs records metadata for scheduled jobs.
type Jobs struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
}

// NewJobs registers the job metrics on reg.
func NewJobs(reg prometheus.Registerer) *Jobs {
	if reg == nil {
		return &Jobs{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_job_duration_seconds",
		Help:    "Duration of scheduled jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_job_success_total",
		Help: "Successful scheduled job executions.",
	}, []string{"job"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_job_failure_total",
		Help: "Failed scheduled job executions.",
	}, []string{"job"})
	reg.MustRegister(duration, success, failure)
	return &Jobs{duration: duration, success: success, failure: failure}
}

func (j *Jobs) ObserveDuration(job string, d time.Duration) {
	if j == nil || j.duration == nil {
		return
	}
	j.duration.WithLabelValues(normalizeLabel(job)).Observe(d.Seconds())
}

func (j *Jobs) IncSuccess(job string) {
	if j == nil || j.success == nil {
		return
	}
	j.success.WithLabelValues(normalizeLabel(job)).Inc()
}

func (j *Jobs) IncFailure(job string) {
	if j == nil || j.failure == nil {
		return
	}
	j.failure.WithLabelValues(normalizeLabel(job)).Inc()
}

func normalizeLabel(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}
