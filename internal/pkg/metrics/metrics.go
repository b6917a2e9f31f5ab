// Package metrics exposes the ledger's Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cobra-ai/credits/internal/domain/credit"
)

var LedgerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "events_total",
	Help:      "Ledger events published, by event type.",
}, []string{"event"})

var CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "granted_total",
	Help:      "Credit amount granted, by credit type.",
}, []string{"credit_type"})

var CreditsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "consumed_total",
	Help:      "Credit amount consumed, by credit type.",
}, []string{"credit_type"})

var CreditsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "expired_total",
	Help:      "Unused credit amount lost to expiration, by credit type.",
}, []string{"credit_type"})

var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "scheduler",
	Name:      "job_runs_total",
	Help:      "Maintenance job runs, by job and outcome.",
}, []string{"job", "outcome"})

var JobProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "scheduler",
	Name:      "job_processed_total",
	Help:      "Items processed by maintenance jobs.",
}, []string{"job"})

var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "credits",
	Subsystem: "scheduler",
	Name:      "job_duration_seconds",
	Help:      "Maintenance job run time.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
}, []string{"job"})

// ObserveEvent is a credit.EventBus handler.
func ObserveEvent(_ context.Context, e credit.Event) {
	LedgerEvents.WithLabelValues(string(e.Type)).Inc()

	amount := e.Amount.InexactFloat64()
	if amount <= 0 {
		return
	}
	switch e.Type {
	case credit.EventCreditAdded:
		CreditsGranted.WithLabelValues(string(e.CreditType)).Add(amount)
	case credit.EventCreditConsumed:
		CreditsConsumed.WithLabelValues(string(e.CreditType)).Add(amount)
	case credit.EventCreditExpired:
		CreditsExpired.WithLabelValues(string(e.CreditType)).Add(amount)
	}
}

// JobObserver records scheduler runs. It satisfies credit.JobObserver.
type JobObserver struct{}

func (JobObserver) ObserveJob(job string, processed int, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	JobRuns.WithLabelValues(job, outcome).Inc()
	JobProcessed.WithLabelValues(job).Add(float64(processed))
	JobDuration.WithLabelValues(job).Observe(took.Seconds())
}
