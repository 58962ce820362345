package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the const labels stamped onto every metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonConflict         = "conflict"
	SchedulerJobReasonUnknown          = "unknown"
)

// EngineMetrics captures commission-engine health signals: ledger writes,
// recovery outcomes, scheduler job behaviour and outbox throughput.
type EngineMetrics struct {
	ledgerEntries    *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	outboxDelivered  *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the singleton for tests that swap the registry.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "affiliate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &EngineMetrics{
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_ledger_entries_total",
			Help:        "Commission ledger entries written by entry type.",
			ConstLabels: constLabels,
		}, []string{"entry_type"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_db_recovery_attempts_total",
			Help:        "DB recovery attempts by profile kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"profile_kind", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "affiliate_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_scheduler_job_timeouts_total",
			Help:        "Scheduler jobs cut off by their per-job deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		outboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "affiliate_outbox_events_total",
			Help:        "Outbox events by delivery outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.ledgerEntries,
		m.recoveryAttempts,
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.outboxDelivered,
	)
	return m
}

func (m *EngineMetrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	_ = ctx
	m.ledgerEntries.WithLabelValues(entryType).Inc()
}

func (m *EngineMetrics) RecordRecoveryAttempt(profileKind, outcome string) {
	m.recoveryAttempts.WithLabelValues(profileKind, outcome).Inc()
}

func (m *EngineMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *EngineMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *EngineMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *EngineMetrics) RecordOutboxDelivery(outcome string) {
	m.outboxDelivered.WithLabelValues(outcome).Inc()
}

// ClassifyJobReason maps an error to a low-cardinality reason label.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case strings.Contains(err.Error(), "duplicate key"),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return SchedulerJobReasonConflict
	default:
		return SchedulerJobReasonUnknown
	}
}
