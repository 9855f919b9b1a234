// Package metrics exposes prometheus instrumentation for the orchestrator
// pipeline: task creation, ledger postings, callback ingestion, provider
// calls, and reconciliation runs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the shared metrics recorder.
var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)

type Metrics struct {
	tasksStarted         *prometheus.CounterVec
	ledgerEntries        *prometheus.CounterVec
	compensationFailures prometheus.Counter
	callbacks            *prometheus.CounterVec
	providerRequests     *prometheus.CounterVec
	providerLatency      *prometheus.HistogramVec
	reconcilerOrphans    prometheus.Counter
	reconcilerDeleted    prometheus.Counter
	reconcilerMissing    prometheus.Counter
	reconcilerDuration   prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		tasksStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunesmith_tasks_started_total",
			Help: "Generation tasks accepted, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ledgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunesmith_ledger_entries_total",
			Help: "Committed ledger entries, by kind and category.",
		}, []string{"kind", "category"}),
		compensationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunesmith_compensation_failures_total",
			Help: "Compensation attempts that failed and need manual reconciliation.",
		}),
		callbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunesmith_callbacks_total",
			Help: "Provider callbacks received, by type and result.",
		}, []string{"type", "result"}),
		providerRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunesmith_provider_requests_total",
			Help: "Outbound provider calls, by operation and status code.",
		}, []string{"op", "code"}),
		providerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunesmith_provider_request_seconds",
			Help:    "Outbound provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		reconcilerOrphans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunesmith_reconciler_orphans_found_total",
			Help: "Orphaned storage objects discovered by the reconciler.",
		}),
		reconcilerDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunesmith_reconciler_orphans_deleted_total",
			Help: "Orphaned storage objects deleted by the reconciler.",
		}),
		reconcilerMissing: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunesmith_reconciler_missing_objects_total",
			Help: "Database references whose storage object is missing.",
		}),
		reconcilerDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunesmith_reconciler_run_seconds",
			Help:    "Reconciler run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}

func (m *Metrics) IncTaskStarted(kind, outcome string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncLedgerEntry(kind, category string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(kind, category).Inc()
}

func (m *Metrics) IncCompensationFailure() {
	if m == nil {
		return
	}
	m.compensationFailures.Inc()
}

func (m *Metrics) IncCallback(callbackType, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(callbackType, result).Inc()
}

func (m *Metrics) ObserveProviderRequest(op string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(op, strconv.Itoa(statusCode)).Inc()
	m.providerLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconcilerRun(orphansFound, orphansDeleted, missingObjects int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcilerOrphans.Add(float64(orphansFound))
	m.reconcilerDeleted.Add(float64(orphansDeleted))
	m.reconcilerMissing.Add(float64(missingObjects))
	m.reconcilerDuration.Observe(elapsed.Seconds())
}
